// Package settlement применяет решение администратора по транзакции ко всем
// её арендам и запускает отложенное создание заказов на выдачу.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rms/internal/metrics"
	"github.com/vladislavdragonenkov/rms/internal/service/ledger"
	"github.com/vladislavdragonenkov/rms/internal/service/payment"
)

// Decision: решение администратора.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision разбирает решение из внешнего ввода.
func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(raw))); d {
	case DecisionApprove, DecisionReject:
		return d, nil
	default:
		return "", domain.NewValidationError("decision", fmt.Errorf("unknown decision %q", raw))
	}
}

// Deps: зависимости координатора. Orders, Inventory, Outbox и Metrics опциональны.
type Deps struct {
	Ledger    *ledger.Ledger
	Payments  *payment.Service
	Orders    domain.OrderService
	Inventory domain.InventoryService
	Outbox    domain.OutboxRepository
	Metrics   *metrics.SagaMetrics
	Logger    *log.Entry
}

// Coordinator выполняет best-effort каскады по арендам транзакции.
// Отказ по отдельной аренде попадает в CascadeResult и ничего не откатывает.
type Coordinator struct {
	ledger    *ledger.Ledger
	payments  *payment.Service
	orders    domain.OrderService
	inventory domain.InventoryService
	outbox    domain.OutboxRepository
	metrics   *metrics.SagaMetrics
	logger    *log.Entry
}

// NewCoordinator создаёт координатор расчётов.
func NewCoordinator(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = log.New().WithField("component", "settlement")
	}
	return &Coordinator{
		ledger:    deps.Ledger,
		payments:  deps.Payments,
		orders:    deps.Orders,
		inventory: deps.Inventory,
		outbox:    deps.Outbox,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Settle применяет решение к набору аренд из метаданных транзакции на момент вызова.
func (c *Coordinator) Settle(ctx context.Context, principal domain.Principal, transactionID int64, decision Decision) (domain.CascadeResult, error) {
	if !principal.IsAdmin() {
		return domain.CascadeResult{}, fmt.Errorf("settle transaction %d: %w", transactionID, domain.ErrForbidden)
	}

	tx, err := c.payments.Get(ctx, transactionID)
	if err != nil {
		return domain.CascadeResult{}, err
	}

	logger := c.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"decision":       decision,
		"admin_id":       principal.UserID,
	})

	var result domain.CascadeResult
	switch decision {
	case DecisionApprove:
		result, err = c.approve(ctx, tx, logger)
	case DecisionReject:
		result, err = c.reject(ctx, tx, logger)
	default:
		return domain.CascadeResult{}, domain.NewValidationError("decision", fmt.Errorf("unknown decision %q", decision))
	}
	if err != nil {
		return domain.CascadeResult{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordCascade(string(decision), len(result.Failures))
	}
	logger.WithFields(log.Fields{
		"updated":  result.Updated,
		"failures": len(result.Failures),
	}).Info("transaction settled")
	return result, nil
}

// approve: все аренды → ongoing. Для cod транзакция становится success, если
// одобрена хотя бы одна аренда, и сразу запрашиваются заказы на выдачу.
// qr-транзакция остаётся pending до ConfirmPayment. Если оплата пришла раньше
// одобрения, заказы запрашиваются здесь по арендам, которые одобрены этим вызовом.
func (c *Coordinator) approve(ctx context.Context, tx domain.Transaction, logger *log.Entry) (domain.CascadeResult, error) {
	paid := tx.Status == domain.TransactionStatusSuccess && tx.PaymentMethod.Kind == domain.PaymentKindQR
	if tx.Status != domain.TransactionStatusPending && !(paid && c.awaitsApproval(ctx, tx)) {
		return domain.CascadeResult{}, illegalTransition(tx, domain.TransactionStatusSuccess)
	}

	result := domain.CascadeResult{Failures: []domain.RentalFailure{}}
	approved := make([]domain.Rental, 0, len(tx.Metadata.RentalIDs))
	moved := make([]domain.Rental, 0, len(tx.Metadata.RentalIDs))
	for _, rentalID := range tx.Metadata.RentalIDs {
		before, err := c.ledger.Get(ctx, rentalID)
		if err != nil {
			result.Fail(rentalID, failureReason(err))
			continue
		}
		rental, err := c.ledger.UpdateStatus(ctx, rentalID, domain.RentalStatusOngoing)
		if err != nil {
			logger.WithError(err).WithField("rental_id", rentalID).Warn("approve rental failed")
			result.Fail(rentalID, failureReason(err))
			continue
		}
		approved = append(approved, rental)
		if before.Status != rental.Status {
			result.Updated++
			moved = append(moved, rental)
			c.emitRental(ctx, kafka.EventTypeRentalStatusChanged, rental)
		}
		c.setUnitStatus(ctx, rental.UnitID, domain.UnitStatusRented)
	}

	if paid {
		// по арендам, бывшим ongoing при подтверждении, заказы уже запрошены
		c.requestOrders(ctx, tx, moved, &result, logger)
		return result, nil
	}
	if len(approved) == 0 {
		logger.Warn("no rental approved, transaction left pending")
		return result, nil
	}
	if tx.PaymentMethod.Kind != domain.PaymentKindCOD {
		// подтверждение могло прийти, пока аренды одобрялись
		if current, err := c.payments.Get(ctx, tx.ID); err == nil && current.Status == domain.TransactionStatusSuccess {
			c.requestOrders(ctx, current, moved, &result, logger)
			return result, nil
		}
		logger.Info("awaiting payment confirmation")
		return result, nil
	}

	updated, err := c.payments.MarkStatus(ctx, tx.ID, domain.TransactionStatusSuccess)
	if err != nil {
		return result, fmt.Errorf("mark transaction %d success: %w", tx.ID, err)
	}
	c.emitTransaction(ctx, updated)
	c.requestOrders(ctx, updated, approved, &result, logger)
	return result, nil
}

// awaitsApproval сообщает, есть ли у оплаченной транзакции аренды, ещё ждущие одобрения.
func (c *Coordinator) awaitsApproval(ctx context.Context, tx domain.Transaction) bool {
	for _, rentalID := range tx.Metadata.RentalIDs {
		rental, err := c.ledger.Get(ctx, rentalID)
		if err == nil && rental.Status == domain.RentalStatusPending {
			return true
		}
	}
	return false
}

// reject: все аренды → cancelled. Уже отменённые считаются выполненными,
// завершённые: отказом. Если отменены все, транзакция становится failed.
func (c *Coordinator) reject(ctx context.Context, tx domain.Transaction, logger *log.Entry) (domain.CascadeResult, error) {
	if tx.Status == domain.TransactionStatusSuccess {
		return domain.CascadeResult{}, illegalTransition(tx, domain.TransactionStatusFailed)
	}

	result := domain.CascadeResult{Failures: []domain.RentalFailure{}}
	cancelled := 0
	for _, rentalID := range tx.Metadata.RentalIDs {
		rental, changed, err := c.ledger.CancelRental(ctx, rentalID)
		if err != nil {
			logger.WithError(err).WithField("rental_id", rentalID).Warn("reject rental failed")
			result.Fail(rentalID, failureReason(err))
			continue
		}
		cancelled++
		if !changed {
			continue
		}
		result.Updated++
		c.emitRental(ctx, kafka.EventTypeRentalCancelled, rental)
		c.setUnitStatus(ctx, rental.UnitID, domain.UnitStatusAvailable)
	}

	if cancelled == len(tx.Metadata.RentalIDs) && tx.Status == domain.TransactionStatusPending {
		updated, err := c.payments.MarkStatus(ctx, tx.ID, domain.TransactionStatusFailed)
		if err != nil {
			return result, fmt.Errorf("mark transaction %d failed: %w", tx.ID, err)
		}
		c.emitTransaction(ctx, updated)
	}
	return result, nil
}

// ConfirmPayment обрабатывает сигнал шлюза об оплате. Транзакция → success, для qr
// создаются заказы по уже одобренным (ongoing) арендам. Аренды, ещё ждущие
// одобрения, попадают в Failures; заказы по ним запросит последующий approve.
// Повторное подтверждение успешной транзакции ничего не делает.
func (c *Coordinator) ConfirmPayment(ctx context.Context, transactionCode string) (domain.CascadeResult, error) {
	code := strings.TrimSpace(transactionCode)
	if code == "" {
		return domain.CascadeResult{}, domain.NewValidationError("transaction_code", errors.New("transaction code is required"))
	}

	tx, err := c.payments.GetByCode(ctx, code)
	if err != nil {
		return domain.CascadeResult{}, err
	}
	logger := c.logger.WithFields(log.Fields{
		"transaction_id":   tx.ID,
		"transaction_code": code,
	})

	result := domain.CascadeResult{Failures: []domain.RentalFailure{}}
	switch tx.Status {
	case domain.TransactionStatusSuccess:
		logger.Info("payment already confirmed")
		return result, nil
	case domain.TransactionStatusFailed:
		return domain.CascadeResult{}, illegalTransition(tx, domain.TransactionStatusSuccess)
	}

	updated, err := c.payments.MarkStatus(ctx, tx.ID, domain.TransactionStatusSuccess)
	if err != nil {
		return domain.CascadeResult{}, fmt.Errorf("mark transaction %d success: %w", tx.ID, err)
	}
	c.emitTransaction(ctx, updated)

	if updated.PaymentMethod.Kind == domain.PaymentKindQR {
		ongoing := make([]domain.Rental, 0, len(updated.Metadata.RentalIDs))
		for _, rentalID := range updated.Metadata.RentalIDs {
			rental, err := c.ledger.Get(ctx, rentalID)
			if err != nil {
				result.Fail(rentalID, failureReason(err))
				continue
			}
			if rental.Status != domain.RentalStatusOngoing {
				result.Fail(rentalID, fmt.Sprintf("rental is %s", rental.Status))
				continue
			}
			ongoing = append(ongoing, rental)
		}
		result.Updated = c.requestOrders(ctx, updated, ongoing, &result, logger)
	}

	if c.metrics != nil {
		c.metrics.RecordCascade("confirm_payment", len(result.Failures))
	}
	logger.WithFields(log.Fields{
		"orders_requested": result.Updated,
		"failures":         len(result.Failures),
	}).Info("payment confirmed")
	return result, nil
}

// requestOrders запрашивает заказ на выдачу по каждой аренде и возвращает
// число запрошенных заказов.
func (c *Coordinator) requestOrders(ctx context.Context, tx domain.Transaction, rentals []domain.Rental, result *domain.CascadeResult, logger *log.Entry) int {
	if c.orders == nil {
		return 0
	}
	requested := 0
	for _, rental := range rentals {
		if err := c.orders.CreateOrder(ctx, rental, tx); err != nil {
			logger.WithError(err).WithField("rental_id", rental.ID).Error("order request failed")
			result.Fail(rental.ID, "order request failed: "+err.Error())
			continue
		}
		requested++
	}
	return requested
}

func (c *Coordinator) setUnitStatus(ctx context.Context, unitID int64, status domain.UnitStatus) {
	if c.inventory == nil {
		return
	}
	if err := c.inventory.SetUnitStatus(ctx, unitID, status); err != nil {
		c.logger.WithError(err).WithField("unit_id", unitID).Warn("unit coarse status update failed")
	}
}

func (c *Coordinator) emitRental(ctx context.Context, eventType kafka.EventType, rental domain.Rental) {
	c.emit(ctx, kafka.AggregateRental, rental.ID, string(eventType), kafka.RentalEvent{
		EventType: eventType,
		RentalID:  rental.ID,
		UserID:    rental.UserID,
		UnitID:    rental.UnitID,
		Status:    string(rental.Status),
		Timestamp: time.Now().UTC(),
	})
}

func (c *Coordinator) emitTransaction(ctx context.Context, tx domain.Transaction) {
	c.emit(ctx, kafka.AggregateTransaction, tx.ID, string(kafka.EventTypeTransactionStatusChanged), kafka.TransactionEvent{
		EventType:       kafka.EventTypeTransactionStatusChanged,
		TransactionID:   tx.ID,
		TransactionCode: tx.TransactionCode,
		UserID:          tx.UserID,
		AmountMinor:     tx.AmountMinor,
		Status:          string(tx.Status),
		Timestamp:       time.Now().UTC(),
	})
}

func (c *Coordinator) emit(ctx context.Context, aggregateType string, aggregateID int64, eventType string, payload interface{}) {
	if c.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithError(err).WithField("event", eventType).Error("marshal event failed")
		return
	}
	_, err = c.outbox.Enqueue(context.WithoutCancel(ctx), domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   strconv.FormatInt(aggregateID, 10),
		EventType:     eventType,
		Payload:       data,
	})
	if err != nil {
		c.logger.WithError(err).WithField("event", eventType).Error("enqueue event failed")
		return
	}
	if c.metrics != nil {
		c.metrics.RecordOutboxEvent()
	}
}

func illegalTransition(tx domain.Transaction, to domain.TransactionStatus) error {
	return &domain.IllegalTransitionError{
		Entity: "transaction",
		ID:     tx.ID,
		From:   string(tx.Status),
		To:     string(to),
	}
}

func failureReason(err error) string {
	var illegal *domain.IllegalTransitionError
	switch {
	case errors.As(err, &illegal):
		return fmt.Sprintf("rental is %s", illegal.From)
	case errors.Is(err, domain.ErrRentalNotFound):
		return "rental not found"
	default:
		return err.Error()
	}
}

var _ kafka.PaymentConfirmer = (*Coordinator)(nil)
