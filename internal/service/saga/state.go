package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// State: состояние чекаут-саги.
type State string

const (
	StateAllocating         State = "allocating"
	StateRentalsCreated     State = "rentals_created"
	StateTransactionCreated State = "transaction_created"
	StateDone               State = "done"
	StateCompensating       State = "compensating"
	StateCompensated        State = "compensated"
)

var stateTransitions = map[State][]State{
	StateAllocating:         {StateRentalsCreated, StateCompensating},
	StateRentalsCreated:     {StateTransactionCreated, StateCompensating},
	StateTransactionCreated: {StateDone, StateCompensating},
	StateCompensating:       {StateCompensated},
}

// IsTerminal: done и compensated.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateCompensated
}

func canAdvance(from, to State) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// run хранит одно выполнение саги вместе с созданными арендами и транзакцией.
type run struct {
	id      string
	state   State
	rentals []domain.Rental
	costs   map[int64]int64
	tx      *domain.Transaction
	logger  *log.Entry
}

func (o *orchestrator) startRun(ctx context.Context) *run {
	r := &run{
		id:    uuid.NewString(),
		costs: make(map[int64]int64),
	}
	r.logger = o.logger.WithField("saga_id", r.id)
	r.state = StateAllocating
	o.recordState(ctx, r, "")
	return r
}

// advance переводит сагу в новое состояние и пишет переход в timeline и метрики.
func (o *orchestrator) advance(ctx context.Context, r *run, to State, reason string) error {
	if !canAdvance(r.state, to) {
		return fmt.Errorf("saga %s: illegal state change %s -> %s", r.id, r.state, to)
	}
	r.state = to
	o.recordState(ctx, r, reason)
	return nil
}

func (o *orchestrator) recordState(ctx context.Context, r *run, reason string) {
	if o.metrics != nil {
		o.metrics.RecordStateTransition(string(r.state))
	}
	r.logger.WithField("state", r.state).Debug("saga state changed")

	if o.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		SagaID:   r.id,
		State:    string(r.state),
		Reason:   reason,
		Occurred: time.Now().UTC(),
	}
	if r.tx != nil {
		event.TransactionID = r.tx.ID
	}
	if err := o.timeline.Append(context.WithoutCancel(ctx), event); err != nil {
		r.logger.WithError(err).WithField("state", r.state).Warn("append timeline event failed")
		return
	}
	if o.metrics != nil {
		o.metrics.RecordTimelineEvent()
	}
}
