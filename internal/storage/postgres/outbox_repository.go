package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// outboxClaimLease: на сколько строка, выданная PullPending, скрыта от
// других реплик. Воркер должен успеть опубликовать батч за это время.
const outboxClaimLease = 30 * time.Second

type pendingOutbox struct {
	seq int64
	msg domain.OutboxMessage
}

// outboxRepository хранит сообщения в outbox_messages. Порядок выдачи
// задаёт seq, а не created_at: у событий одной саги время совпадает.
type outboxRepository struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)

func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{
		db:    store.DB(),
		lease: outboxClaimLease,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, r.now()); err != nil {
		if isUniqueViolation(err) {
			return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: duplicate id: %w", msg.ID, err)
		}
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return msg, nil
}

// PullPending захватывает до limit pending-сообщений на время lease и
// возвращает их в порядке постановки. Захваченные другой репликой строки пропускаются.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	now := r.now()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_messages
		SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, id, aggregate_type, aggregate_id, event_type, payload
	`, now, now.Add(r.lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox messages: %w", err)
	}
	defer rows.Close()

	claimed := make([]pendingOutbox, 0, limit)
	for rows.Next() {
		var p pendingOutbox
		if err := rows.Scan(&p.seq, &p.msg.ID, &p.msg.AggregateType, &p.msg.AggregateID, &p.msg.EventType, &p.msg.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	// RETURNING не сохраняет порядок подзапроса
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].seq < claimed[j].seq })
	result := make([]domain.OutboxMessage, len(claimed))
	for i, p := range claimed {
		result[i] = p.msg
	}
	return result, nil
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = 'pending'
	`).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.finish(ctx, id, "sent")
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.finish(ctx, id, "failed")
}

// finish переводит pending-сообщение в конечный статус и снимает захват.
func (r *outboxRepository) finish(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, claimed_until = NULL, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, status, r.now())
	if err != nil {
		return fmt.Errorf("mark outbox message as %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: outbox message %s is not pending", domain.ErrOutboxPublish, id)
	}
	return nil
}
