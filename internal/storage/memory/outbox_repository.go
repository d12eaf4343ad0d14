package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// compactAfter: сколько завершённых записей в начале журнала копится до очистки.
const compactAfter = 1024

type outboxEntry struct {
	msg        domain.OutboxMessage
	pending    bool
	enqueuedAt time.Time
}

// OutboxRepository: журнал outbox в памяти. Порядок выдачи совпадает с
// порядком Enqueue; завершённые записи в начале журнала периодически отрезаются.
type OutboxRepository struct {
	mu      sync.Mutex
	entries []outboxEntry
	// position: id → индекс в entries
	position map[string]int
	now      func() time.Time
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		position: make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := r.position[msg.ID]; dup {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: duplicate id", msg.ID)
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	r.position[msg.ID] = len(r.entries)
	r.entries = append(r.entries, outboxEntry{msg: msg, pending: true, enqueuedAt: r.now()})
	return msg, nil
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending(limit), nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		if !e.pending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = e.enqueuedAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.finish(id)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.finish(id)
}

// AllPending: все pending-сообщения в порядке постановки.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending(len(r.entries))
}

// pending вызывается под r.mu.
func (r *OutboxRepository) pending(limit int) []domain.OutboxMessage {
	out := make([]domain.OutboxMessage, 0, min(limit, len(r.entries)))
	for _, e := range r.entries {
		if len(out) == limit {
			break
		}
		if e.pending {
			out = append(out, e.msg)
		}
	}
	return out
}

// finish снимает сообщение с публикации. Как и в Postgres, завершить можно
// только pending-сообщение.
func (r *OutboxRepository) finish(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.position[id]
	if !ok || !r.entries[i].pending {
		return fmt.Errorf("%w: outbox message %s is not pending", domain.ErrOutboxPublish, id)
	}
	r.entries[i].pending = false
	r.compact()
	return nil
}

// compact отрезает завершённый префикс журнала, когда он вырос.
func (r *OutboxRepository) compact() {
	done := 0
	for done < len(r.entries) && !r.entries[done].pending {
		done++
	}
	if done < compactAfter {
		return
	}

	for _, e := range r.entries[:done] {
		delete(r.position, e.msg.ID)
	}
	r.entries = append([]outboxEntry(nil), r.entries[done:]...)
	for i, e := range r.entries {
		r.position[e.msg.ID] = i
	}
}
