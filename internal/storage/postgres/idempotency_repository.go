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

const idempotencyColumns = `key, user_id, request_hash, transaction_id, failure_reason, status, expires_at, created_at, updated_at`

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)

func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Claim вставляет ключ через ON CONFLICT DO NOTHING: при гонке двух запросов
// ровно один получает запись, второй читает её и узнаёт причину отказа.
func (r *idempotencyRepository) Claim(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := r.now()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `
		INSERT INTO idempotency_keys (key, user_id, request_hash, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'processing', $4, $5, $5)
		ON CONFLICT (key) DO NOTHING
	`, claim.Key, claim.UserID, claim.RequestHash, claim.ExpiresAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if inserted == 1 {
		return claim.Record(now), nil
	}

	existing, err := r.Get(ctx, claim.Key)
	if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		// ключ успели удалить между INSERT и SELECT; клиент повторит запрос
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return existing, claim.Against(existing)
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key)
	record, err := scanIdempotency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	return record, nil
}

func scanIdempotency(row interface{ Scan(...any) error }) (domain.IdempotencyRecord, error) {
	var (
		rec    domain.IdempotencyRecord
		status string
		txID   sql.NullInt64
	)
	if err := row.Scan(&rec.Key, &rec.UserID, &rec.RequestHash, &txID, &rec.FailureReason,
		&status, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("unknown idempotency status %q", status)
	}
	rec.TransactionID = txID.Int64
	return rec, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, transactionID int64) error {
	return r.transition(ctx, key, domain.IdempotencyStatusDone, sql.NullInt64{Int64: transactionID, Valid: true}, "")
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, reason string) error {
	return r.transition(ctx, key, domain.IdempotencyStatusFailed, sql.NullInt64{}, reason)
}

func (r *idempotencyRepository) transition(ctx context.Context, key string, status domain.IdempotencyStatus, txID sql.NullInt64, reason string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, transaction_id = COALESCE($3, transaction_id), failure_reason = $4, updated_at = $5
		WHERE key = $1
	`, key, string(status), txID, reason, r.now())
	if err != nil {
		return fmt.Errorf("mark idempotency key %s as %s: %w", key, status, err)
	}
	return expectAffected(res, domain.ErrIdempotencyKeyNotFound)
}

func (r *idempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND status = 'failed'`, key); err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	return nil
}

// AbandonStale берёт строки с SKIP LOCKED, чтобы реплики не ждали друг друга.
// limit <= 0 передаётся как LIMIT NULL, то есть без ограничения.
func (r *idempotencyRepository) AbandonStale(ctx context.Context, updatedBefore time.Time, reason string, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE status = 'processing' AND updated_at <= $1
			ORDER BY updated_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
	`, updatedBefore, reason, r.now(), batchLimit(limit))
	if err != nil {
		return 0, fmt.Errorf("abandon stale idempotency keys: %w", err)
	}
	return rowsAffected(res)
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, before, batchLimit(limit))
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return rowsAffected(res)
}

func batchLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// expectAffected возвращает notFound, если запрос не изменил ни одной строки.
func expectAffected(res sql.Result, notFound error) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
