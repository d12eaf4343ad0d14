package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/storage/memory"
)

func enqueue(t *testing.T, repo *memory.OutboxRepository, aggregateType, aggregateID, eventType string) domain.OutboxMessage {
	t.Helper()

	msg, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(`{"rental_id":` + aggregateID + `}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return msg
}

func TestWorker_PublishesInEnqueueOrder(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "rental", "1", "rental.created")
	enqueue(t, repo, "transaction", "7", "transaction.created")
	enqueue(t, repo, "rental", "1", "order.requested")
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0))
	result := worker.ProcessOnce(context.Background())

	if result != (CycleResult{Sent: 3}) {
		t.Fatalf("unexpected cycle result %+v", result)
	}
	if got := len(repo.AllPending()); got != 0 {
		t.Fatalf("expected empty backlog, got %d", got)
	}
	want := []string{"rental.created", "transaction.created", "order.requested"}
	for i, msg := range publisher.sent() {
		if msg.EventType != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], msg.EventType)
		}
	}
}

func TestWorker_DeadLettersAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	msg := enqueue(t, repo, "rental", "2", "rental.cancelled")
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlq := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlq), WithRetryBaseDelay(0), WithMaxAttempts(3))
	result := worker.ProcessOnce(context.Background())

	if result.Failed != 1 || result.Sent != 0 {
		t.Fatalf("unexpected cycle result %+v", result)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.AllPending()); got != 0 {
		t.Fatalf("dead-lettered message must leave the backlog, got %d pending", got)
	}

	letters := dlq.sent()
	if len(letters) != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", len(letters))
	}
	var letter DeadLetter
	if err := json.Unmarshal(letters[0].Payload, &letter); err != nil {
		t.Fatalf("dlq payload is not json: %v", err)
	}
	if letter.OutboxID != msg.ID || letter.Attempts != 3 || letter.EventType != "rental.cancelled" {
		t.Fatalf("unexpected dead letter %+v", letter)
	}
	if string(letter.Payload) != `{"rental_id":2}` {
		t.Fatalf("original payload must be embedded as json, got %s", letter.Payload)
	}
	if letter.PublishError == "" {
		t.Fatal("publish error must be recorded")
	}
}

func TestWorker_FailedRentalDefersItsLaterEvents(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "rental", "5", "rental.created")
	enqueue(t, repo, "rental", "6", "rental.created")
	enqueue(t, repo, "rental", "5", "rental.cancelled")
	publisher := &stubPublisher{failFor: map[string]bool{"5": true}}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(2))
	result := worker.ProcessOnce(context.Background())

	if result != (CycleResult{Sent: 1, Failed: 1, Deferred: 1}) {
		t.Fatalf("unexpected cycle result %+v", result)
	}
	pending := repo.AllPending()
	if len(pending) != 1 || pending[0].EventType != "rental.cancelled" {
		t.Fatalf("cancellation of rental 5 must wait for the next cycle, pending=%+v", pending)
	}

	publisher.recover()
	if result := worker.ProcessOnce(context.Background()); result.Sent != 1 {
		t.Fatalf("deferred event must go out on the next cycle, got %+v", result)
	}
}

func TestWorker_RecoversWithinRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "transaction", "3", "transaction.status_changed")
	publisher := &stubPublisher{sequence: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	if result := worker.ProcessOnce(context.Background()); result.Sent != 1 {
		t.Fatalf("expected 1 sent, got %+v", result)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
}

func TestWorker_CancelledKeepsPending(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "rental", "4", "rental.created")
	publisher := &stubPublisher{err: errors.New("slow broker")}
	dlq := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlq), WithRetryBaseDelay(time.Second), WithMaxAttempts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	worker.ProcessOnce(ctx)

	if got := len(repo.AllPending()); got != 1 {
		t.Fatalf("interrupted message must stay pending, got %d", got)
	}
	if got := dlq.calls(); got != 0 {
		t.Fatalf("interrupted message must not be dead-lettered, got %d", got)
	}
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(100*time.Millisecond))

	cases := map[int]time.Duration{
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		3:  400 * time.Millisecond,
		10: maxRetryDelay,
		64: maxRetryDelay,
	}
	for attempt, want := range cases {
		if got := worker.retryBackoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(memory.NewOutboxRepository(), &stubPublisher{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

// stubPublisher отвечает ошибкой: по очереди из sequence, затем для
// агрегатов из failFor, затем err.
type stubPublisher struct {
	mu        sync.Mutex
	err       error
	sequence  []error
	failFor   map[string]bool
	callCount int
	published []domain.OutboxMessage
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	err := s.err
	switch {
	case len(s.sequence) > 0:
		err = s.sequence[0]
		s.sequence = s.sequence[1:]
	case s.failFor[msg.AggregateID]:
		err = errors.New("partition leader unavailable")
	}
	if err == nil {
		s.published = append(s.published, msg)
	}
	return err
}

func (s *stubPublisher) recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor = nil
	s.err = nil
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) sent() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.published...)
}
