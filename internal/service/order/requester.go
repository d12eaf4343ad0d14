// Package order передаёт запросы на выдачу техники внешнему сервису заказов
// через transactional outbox.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
)

// Requester реализует domain.OrderService: запрос ставится в outbox,
// публикацию в Kafka выполняет outbox worker.
type Requester struct {
	outbox domain.OutboxRepository
	logger *log.Entry
}

// NewRequester создаёт клиента сервиса заказов.
func NewRequester(outbox domain.OutboxRepository, logger *log.Entry) *Requester {
	if logger == nil {
		logger = log.New().WithField("component", "order-requester")
	}
	return &Requester{outbox: outbox, logger: logger}
}

// CreateOrder ставит в очередь событие order.requested по аренде.
func (r *Requester) CreateOrder(ctx context.Context, rental domain.Rental, tx domain.Transaction) error {
	payload, err := json.Marshal(kafka.OrderRequest{
		EventType:       kafka.EventTypeOrderRequested,
		RentalID:        rental.ID,
		TransactionID:   tx.ID,
		TransactionCode: tx.TransactionCode,
		UserID:          rental.UserID,
		UnitID:          rental.UnitID,
		PickupLocation:  rental.PickupLocation,
		DropoffLocation: rental.DropoffLocation,
		Start:           rental.Window.Start,
		End:             rental.Window.End,
		PaymentKind:     string(tx.PaymentMethod.Kind),
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order request: %w", err)
	}

	msg, err := r.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: kafka.AggregateRental,
		AggregateID:   strconv.FormatInt(rental.ID, 10),
		EventType:     string(kafka.EventTypeOrderRequested),
		Payload:       payload,
	})
	if err != nil {
		return domain.NewUpstreamError("order service", err)
	}

	r.logger.WithFields(log.Fields{
		"rental_id":      rental.ID,
		"transaction_id": tx.ID,
		"outbox_id":      msg.ID,
	}).Info("order requested")
	return nil
}

var _ domain.OrderService = (*Requester)(nil)
