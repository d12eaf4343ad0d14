package domain

import (
	"context"
	"time"
)

// OutboxMessage: событие, записанное в той же транзакции, что и изменение
// агрегата, и ждущее публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OrderingKey связывает события одного агрегата: они публикуются по порядку
// и попадают в одну partition. Событие без агрегата упорядочено только само с собой.
func (m OutboxMessage) OrderingKey() string {
	if m.AggregateID == "" {
		return m.ID
	}
	return m.AggregateType + "-" + m.AggregateID
}

type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OutboxPublisher передаёт событие наружу; повторная публикация допустима.
type OutboxPublisher interface {
	Publish(event OutboxMessage) error
}

// OutboxRepository: хранилище transactional outbox. PullPending отдаёт
// сообщения в порядке постановки.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}
