package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// timelineRepository пишет переходы саг в saga_timeline. При равном времени
// порядок задаёт BIGSERIAL id.
type timelineRepository struct {
	db *sql.DB
}

func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now()
	}
	txID := sql.NullInt64{Int64: event.TransactionID, Valid: event.TransactionID > 0}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO saga_timeline (saga_id, state, reason, transaction_id, occurred) VALUES ($1, $2, $3, $4, $5)`,
		event.SagaID, event.State, event.Reason, txID, occurred.UTC())
	if err != nil {
		return fmt.Errorf("append %s to saga %s timeline: %w", event.State, event.SagaID, err)
	}
	return nil
}

func (r *timelineRepository) List(ctx context.Context, sagaID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT state, reason, transaction_id, occurred FROM saga_timeline WHERE saga_id = $1 ORDER BY occurred, id`,
		sagaID)
	if err != nil {
		return nil, fmt.Errorf("list saga %s timeline: %w", sagaID, err)
	}
	defer rows.Close()

	events := []domain.TimelineEvent{}
	for rows.Next() {
		event := domain.TimelineEvent{SagaID: sagaID}
		var txID sql.NullInt64
		if err := rows.Scan(&event.State, &event.Reason, &txID, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan saga timeline: %w", err)
		}
		event.TransactionID = txID.Int64
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}
