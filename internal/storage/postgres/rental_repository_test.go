package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

var rentalRowColumns = []string{
	"id", "user_id", "unit_id", "start_at", "end_at", "pickup_location", "dropoff_location",
	"total_cost_minor", "promo_code", "status", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func testWindow() domain.Window {
	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	return domain.Window{Start: start, End: start.Add(48 * time.Hour)}
}

func TestRentalRepository_CreateReturnsID(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewRentalRepository(store)
	w := testWindow()

	mock.ExpectQuery("INSERT INTO rentals").
		WithArgs(int64(7), int64(3), w.Start, w.End, "center", "center", int64(1500), "", "pending", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	rental, err := repo.Create(context.Background(), domain.Rental{
		UserID:          7,
		UnitID:          3,
		Window:          w,
		PickupLocation:  "center",
		DropoffLocation: "center",
		TotalCostMinor:  1500,
		Status:          domain.RentalStatusPending,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(11), rental.ID)
	assert.False(t, rental.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRentalRepository_CreateMapsExclusionViolation(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewRentalRepository(store)

	mock.ExpectQuery("INSERT INTO rentals").
		WillReturnError(&pgconn.PgError{Code: pgExclusionViolation, ConstraintName: "rentals_no_overlap"})

	_, err := repo.Create(context.Background(), domain.Rental{UserID: 1, UnitID: 1, Window: testWindow(), Status: domain.RentalStatusPending})

	assert.ErrorIs(t, err, domain.ErrRentalOverlap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRentalRepository_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewRentalRepository(store)

	mock.ExpectQuery("SELECT (.+) FROM rentals WHERE id").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), 404)

	assert.ErrorIs(t, err, domain.ErrRentalNotFound)
}

func TestRentalRepository_UpdateStatusConflict(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewRentalRepository(store)
	w := testWindow()
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE rentals").
		WithArgs(int64(5), "pending", "ongoing", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rentalRowColumns))
	mock.ExpectQuery("SELECT (.+) FROM rentals WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(rentalRowColumns).
			AddRow(int64(5), int64(1), int64(2), w.Start, w.End, "center", "center", int64(100), "", "cancelled", now, now))

	current, err := repo.UpdateStatus(context.Background(), 5, domain.RentalStatusPending, domain.RentalStatusOngoing)

	assert.True(t, errors.Is(err, domain.ErrRentalStatusConflict))
	assert.Equal(t, domain.RentalStatusCancelled, current.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRentalRepository_FindOverlapping(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewRentalRepository(store)
	w := testWindow()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT (.+) FROM rentals WHERE status IN \('pending', 'ongoing'\)`).
		WithArgs(w.Start, w.End, int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows(rentalRowColumns).
			AddRow(int64(9), int64(1), int64(2), w.Start, w.End, "center", "center", int64(100), "", "pending", now, now))

	rentals, err := repo.FindOverlapping(context.Background(), []int64{1, 2}, w)

	require.NoError(t, err)
	require.Len(t, rentals, 1)
	assert.Equal(t, int64(2), rentals[0].UnitID)
	assert.Equal(t, domain.RentalStatusPending, rentals[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRentalRepository_FindOverlappingEmptyInput(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewRentalRepository(store)

	rentals, err := repo.FindOverlapping(context.Background(), nil, testWindow())

	require.NoError(t, err)
	assert.Empty(t, rentals)
	assert.NoError(t, mock.ExpectationsWereMet())
}
