package postgres

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

var idempotencyRow = []string{
	"key", "user_id", "request_hash", "transaction_id", "failure_reason", "status", "expires_at", "created_at", "updated_at",
}

func newMockIdempotency(t *testing.T, now time.Time) (*idempotencyRepository, sqlmock.Sqlmock) {
	t.Helper()

	store, mock := newMockStore(t)
	repo := NewIdempotencyRepository(store).(*idempotencyRepository)
	repo.now = func() time.Time { return now }
	return repo, mock
}

func TestIdempotencyRepository_ClaimInserts(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newMockIdempotency(t, now)

	mock.ExpectExec("INSERT INTO idempotency_keys .+ ON CONFLICT \\(key\\) DO NOTHING").
		WithArgs("k1", int64(7), "hash", now.Add(domain.DefaultIdempotencyTTL), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	record, err := repo.Claim(context.Background(), domain.IdempotencyClaim{Key: " k1", UserID: 7, RequestHash: "hash"})
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, record.Status)
	assert.Equal(t, now, record.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_ClaimTakenByOtherRequest(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newMockIdempotency(t, now)

	mock.ExpectExec("INSERT INTO idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM idempotency_keys WHERE key = \\$1").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(idempotencyRow).
			AddRow("k1", int64(7), "other-hash", nil, "", "processing", now.Add(time.Hour), now, now))

	record, err := repo.Claim(context.Background(), domain.IdempotencyClaim{Key: "k1", UserID: 7, RequestHash: "hash"})

	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.Equal(t, "other-hash", record.RequestHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_ClaimValidates(t *testing.T) {
	repo, _ := newMockIdempotency(t, time.Now())

	_, err := repo.Claim(context.Background(), domain.IdempotencyClaim{RequestHash: "h"})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
}

func TestIdempotencyRepository_GetRejectsUnknownStatus(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newMockIdempotency(t, now)

	mock.ExpectQuery("SELECT (.+) FROM idempotency_keys").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(idempotencyRow).
			AddRow("k1", int64(7), "h", int64(3), "", "archived", now, now, now))

	_, err := repo.Get(context.Background(), "k1")
	assert.ErrorContains(t, err, "unknown idempotency status")
}

func TestIdempotencyRepository_Transitions(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newMockIdempotency(t, now)

	mock.ExpectExec("UPDATE idempotency_keys SET status = \\$2").
		WithArgs("k1", "done", int64(5), "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_keys SET status = \\$2").
		WithArgs("k2", "failed", driver.Value(nil), "no units", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_keys SET status = \\$2").
		WithArgs("missing", "done", int64(6), "", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkDone(context.Background(), "k1", 5))
	require.NoError(t, repo.MarkFailed(context.Background(), "k2", "no units"))
	assert.ErrorIs(t, repo.MarkDone(context.Background(), "missing", 6), domain.ErrIdempotencyKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_AbandonStale(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newMockIdempotency(t, now)
	cutoff := now.Add(-15 * time.Minute)

	mock.ExpectExec("UPDATE idempotency_keys SET status = 'failed'").
		WithArgs(cutoff, "gone", now, int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.AbandonStale(context.Background(), cutoff, "gone", 50)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepository_DeleteExpired(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newMockIdempotency(t, now)
	before := now.Add(-time.Hour)

	mock.ExpectExec("DELETE FROM idempotency_keys WHERE key IN").
		WithArgs(before, int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 10))
	// без лимита LIMIT получает NULL, а пустой before: текущее время
	mock.ExpectExec("DELETE FROM idempotency_keys WHERE key IN").
		WithArgs(now, driver.Value(nil)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteExpired(context.Background(), before, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = repo.DeleteExpired(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
