package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
)

// compensate отменяет все аренды этого запуска и помечает созданную транзакцию failed.
// Каждая отмена: одна попытка, отказы только логируются.
func (o *orchestrator) compensate(ctx context.Context, r *run, cause error) {
	started := time.Now()
	defer o.observeStep(domain.SagaStepCompensate, started)

	// Компенсация доводится до конца даже после отмены запроса клиентом.
	ctx = context.WithoutCancel(ctx)
	o.mustAdvance(ctx, r, StateCompensating, cause.Error())

	failures := 0
	for _, rental := range r.rentals {
		cancelled, changed, err := o.ledger.CancelRental(ctx, rental.ID)
		if err != nil {
			failures++
			r.logger.WithError(err).WithField("rental_id", rental.ID).Error("compensation: cancel rental failed")
			continue
		}
		if changed {
			o.emitRental(ctx, kafka.EventTypeRentalCancelled, cancelled)
		}
		o.setUnitStatus(ctx, rental.UnitID, domain.UnitStatusAvailable)
	}

	if r.tx != nil {
		if tx, err := o.payments.MarkStatus(ctx, r.tx.ID, domain.TransactionStatusFailed); err != nil {
			r.logger.WithError(err).WithField("transaction_id", r.tx.ID).Error("compensation: mark transaction failed")
		} else {
			r.tx = &tx
			o.emitTransaction(ctx, kafka.EventTypeTransactionStatusChanged, tx)
		}
	}

	o.mustAdvance(ctx, r, StateCompensated, cause.Error())
	o.emitSaga(ctx, kafka.EventTypeSagaCompensated, r, map[string]interface{}{
		"reason":   cause.Error(),
		"rentals":  len(r.rentals),
		"failures": failures,
	})
	if o.metrics != nil {
		o.metrics.RecordCheckoutCompensated()
	}

	r.logger.WithError(cause).WithFields(log.Fields{
		"rentals":  len(r.rentals),
		"failures": failures,
	}).Warn("checkout compensated")
}

// CancelRental: пользовательская отмена одной аренды. Повторная отмена, успех без эффекта.
func (o *orchestrator) CancelRental(ctx context.Context, rentalID, userID int64) error {
	rental, err := o.ledger.Get(ctx, rentalID)
	if err != nil {
		return err
	}
	if rental.UserID != userID {
		return fmt.Errorf("rental %d: %w", rentalID, domain.ErrForbidden)
	}

	cancelled, changed, err := o.ledger.CancelRental(ctx, rentalID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	o.setUnitStatus(ctx, cancelled.UnitID, domain.UnitStatusAvailable)
	o.emitRental(ctx, kafka.EventTypeRentalCancelled, cancelled)
	if o.metrics != nil {
		o.metrics.RecordCascade("cancel_rental", 0)
	}

	o.logger.WithFields(log.Fields{
		"rental_id": rentalID,
		"user_id":   userID,
	}).Info("rental cancelled by user")
	return nil
}

// CancelTransaction отменяет все аренды транзакции. Если отменены все,
// транзакция становится failed; иначе остаётся как есть, а отказы возвращаются данными.
func (o *orchestrator) CancelTransaction(ctx context.Context, transactionID, userID int64) (domain.CascadeResult, error) {
	tx, err := o.payments.Get(ctx, transactionID)
	if err != nil {
		return domain.CascadeResult{}, err
	}
	if tx.UserID != userID {
		return domain.CascadeResult{}, fmt.Errorf("transaction %d: %w", transactionID, domain.ErrForbidden)
	}
	if tx.Status == domain.TransactionStatusSuccess {
		return domain.CascadeResult{}, &domain.IllegalTransitionError{
			Entity: "transaction",
			ID:     tx.ID,
			From:   string(tx.Status),
			To:     string(domain.TransactionStatusFailed),
		}
	}

	result := domain.CascadeResult{Failures: []domain.RentalFailure{}}
	cancelled := 0
	for _, rentalID := range tx.Metadata.RentalIDs {
		rental, changed, err := o.ledger.CancelRental(ctx, rentalID)
		if err != nil {
			result.Fail(rentalID, failureReason(err))
			continue
		}
		cancelled++
		if !changed {
			continue
		}
		result.Updated++
		o.setUnitStatus(ctx, rental.UnitID, domain.UnitStatusAvailable)
		o.emitRental(ctx, kafka.EventTypeRentalCancelled, rental)
	}

	if cancelled == len(tx.Metadata.RentalIDs) && tx.Status == domain.TransactionStatusPending {
		updated, err := o.payments.MarkStatus(ctx, tx.ID, domain.TransactionStatusFailed)
		if err != nil {
			o.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("mark cancelled transaction failed")
		} else {
			o.emitTransaction(ctx, kafka.EventTypeTransactionStatusChanged, updated)
		}
	}

	if o.metrics != nil {
		o.metrics.RecordCascade("cancel_transaction", len(result.Failures))
	}
	o.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"cancelled":      result.Updated,
		"failures":       len(result.Failures),
	}).Info("transaction cancelled by user")
	return result, nil
}

// failureReason: короткая причина отказа по аренде для ответа клиенту.
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
