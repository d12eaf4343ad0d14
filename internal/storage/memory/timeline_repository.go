package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// TimelineRepository хранит переходы саг в памяти, по саге отдельно.
type TimelineRepository struct {
	mu    sync.RWMutex
	sagas map[string][]domain.TimelineEvent
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{sagas: make(map[string][]domain.TimelineEvent)}
}

// Append вставляет событие после всех событий с тем же или более ранним временем.
func (r *TimelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.sagas[event.SagaID]
	at := sort.Search(len(events), func(i int) bool { return events[i].Occurred.After(event.Occurred) })
	events = append(events, domain.TimelineEvent{})
	copy(events[at+1:], events[at:])
	events[at] = event
	r.sagas[event.SagaID] = events
	return nil
}

func (r *TimelineRepository) List(_ context.Context, sagaID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TimelineEvent{}, r.sagas[sagaID]...), nil
}
