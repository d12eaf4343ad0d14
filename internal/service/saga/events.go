package saga

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
)

// emit ставит событие в outbox. Ошибка outbox не прерывает сагу.
func (o *orchestrator) emit(ctx context.Context, aggregateType, aggregateID string, eventType kafka.EventType, payload interface{}) {
	if o.outbox == nil {
		return
	}

	fields := log.Fields{
		"aggregate_type": aggregateType,
		"aggregate_id":   aggregateID,
		"event":          eventType,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		Payload:       data,
	}
	if _, err := o.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		o.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
		return
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}
}

func (o *orchestrator) emitRental(ctx context.Context, eventType kafka.EventType, rental domain.Rental) {
	o.emit(ctx, kafka.AggregateRental, strconv.FormatInt(rental.ID, 10), eventType, kafka.RentalEvent{
		EventType: eventType,
		RentalID:  rental.ID,
		UserID:    rental.UserID,
		UnitID:    rental.UnitID,
		Status:    string(rental.Status),
		Timestamp: time.Now().UTC(),
	})
}

func (o *orchestrator) emitTransaction(ctx context.Context, eventType kafka.EventType, tx domain.Transaction) {
	o.emit(ctx, kafka.AggregateTransaction, strconv.FormatInt(tx.ID, 10), eventType, kafka.TransactionEvent{
		EventType:       eventType,
		TransactionID:   tx.ID,
		TransactionCode: tx.TransactionCode,
		UserID:          tx.UserID,
		AmountMinor:     tx.AmountMinor,
		Status:          string(tx.Status),
		Timestamp:       time.Now().UTC(),
	})
}

func (o *orchestrator) emitSaga(ctx context.Context, eventType kafka.EventType, r *run, metadata map[string]interface{}) {
	event := kafka.NewSagaEvent(eventType, r.id, metadata)
	if r.tx != nil {
		event.TransactionID = r.tx.ID
	}
	o.emit(ctx, kafka.AggregateSaga, r.id, eventType, event)
}
