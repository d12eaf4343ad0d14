package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

const rentalColumns = `id, user_id, unit_id, start_at, end_at, pickup_location, dropoff_location,
	total_cost_minor, promo_code, status, created_at, updated_at`

type rentalRepository struct {
	db *sql.DB
}

// NewRentalRepository создаёт PostgreSQL-реализацию RentalRepository.
// Пересечения окон отсекает constraint rentals_no_overlap.
func NewRentalRepository(store *Store) domain.RentalRepository {
	return &rentalRepository{db: store.DB()}
}

func (r *rentalRepository) Create(ctx context.Context, rental domain.Rental) (domain.Rental, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO rentals (
			user_id, unit_id, start_at, end_at, pickup_location, dropoff_location,
			total_cost_minor, promo_code, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		RETURNING id
	`,
		rental.UserID,
		rental.UnitID,
		rental.Window.Start.UTC(),
		rental.Window.End.UTC(),
		rental.PickupLocation,
		rental.DropoffLocation,
		rental.TotalCostMinor,
		rental.PromoCode,
		string(rental.Status),
		now,
	).Scan(&rental.ID)
	if err != nil {
		if isExclusionViolation(err) {
			return domain.Rental{}, domain.ErrRentalOverlap
		}
		return domain.Rental{}, fmt.Errorf("insert rental: %w", err)
	}

	rental.CreatedAt = now
	rental.UpdatedAt = now
	return rental, nil
}

func (r *rentalRepository) Get(ctx context.Context, id int64) (domain.Rental, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rental, err := scanRental(r.db.QueryRowContext(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Rental{}, domain.ErrRentalNotFound
		}
		return domain.Rental{}, fmt.Errorf("get rental %d: %w", id, err)
	}
	return rental, nil
}

func (r *rentalRepository) UpdateStatus(ctx context.Context, id int64, from, to domain.RentalStatus) (domain.Rental, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rental, err := scanRental(r.db.QueryRowContext(ctx, `
		UPDATE rentals
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+rentalColumns,
		id, string(from), string(to), time.Now().UTC(),
	))
	if err == nil {
		return rental, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Rental{}, fmt.Errorf("update rental %d status: %w", id, err)
	}

	// строка не обновилась: либо аренды нет, либо статус уже другой
	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return domain.Rental{}, getErr
	}
	return current, domain.ErrRentalStatusConflict
}

func (r *rentalRepository) FindOverlapping(ctx context.Context, unitIDs []int64, window domain.Window) ([]domain.Rental, error) {
	if len(unitIDs) == 0 {
		return []domain.Rental{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := make([]any, 0, len(unitIDs)+2)
	args = append(args, window.Start.UTC(), window.End.UTC())
	placeholders := make([]string, 0, len(unitIDs))
	for i, id := range unitIDs {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+rentalColumns+`
		FROM rentals
		WHERE status IN ('pending', 'ongoing')
		  AND start_at < $2 AND end_at > $1
		  AND unit_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("find overlapping rentals: %w", err)
	}
	return collectRentals(rows)
}

func (r *rentalRepository) ListActiveAt(ctx context.Context, at time.Time) ([]domain.Rental, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+rentalColumns+`
		FROM rentals
		WHERE status IN ('pending', 'ongoing')
		  AND start_at <= $1 AND end_at > $1
		ORDER BY id
	`, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("list active rentals: %w", err)
	}
	return collectRentals(rows)
}

func scanRental(row rowScanner) (domain.Rental, error) {
	var (
		rental domain.Rental
		status string
	)
	if err := row.Scan(
		&rental.ID,
		&rental.UserID,
		&rental.UnitID,
		&rental.Window.Start,
		&rental.Window.End,
		&rental.PickupLocation,
		&rental.DropoffLocation,
		&rental.TotalCostMinor,
		&rental.PromoCode,
		&status,
		&rental.CreatedAt,
		&rental.UpdatedAt,
	); err != nil {
		return domain.Rental{}, err
	}
	rental.Status = domain.RentalStatus(status)
	rental.Window.Start = rental.Window.Start.UTC()
	rental.Window.End = rental.Window.End.UTC()
	return rental, nil
}

func collectRentals(rows *sql.Rows) ([]domain.Rental, error) {
	defer rows.Close()

	result := make([]domain.Rental, 0)
	for rows.Next() {
		rental, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		result = append(result, rental)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rentals: %w", err)
	}
	return result, nil
}
