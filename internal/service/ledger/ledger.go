// Package ledger хранит аренды и их связь с платёжными транзакциями.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

const (
	updateMaxRetries = 3
	updateBaseDelay  = 10 * time.Millisecond
)

// RentalSpec: данные для создания аренды.
type RentalSpec struct {
	UserID          int64
	UnitID          int64
	Window          domain.Window
	PickupLocation  string
	DropoffLocation string
	TotalCostMinor  int64
	PromoCode       string
}

// Ledger управляет жизненным циклом аренд и строками rental_payments.
type Ledger struct {
	rentals  domain.RentalRepository
	payments domain.RentalPaymentRepository
	logger   *log.Entry
}

// New создаёт леджер аренд.
func New(rentals domain.RentalRepository, payments domain.RentalPaymentRepository, logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.New().WithField("component", "ledger")
	}
	return &Ledger{rentals: rentals, payments: payments, logger: logger}
}

// CreateRental сохраняет аренду в статусе pending. Грубый статус единицы не трогает.
// Пересечение с активной арендой той же единицы → domain.ErrRentalOverlap.
func (l *Ledger) CreateRental(ctx context.Context, spec RentalSpec) (domain.Rental, error) {
	rental := domain.Rental{
		UserID:          spec.UserID,
		UnitID:          spec.UnitID,
		Window:          domain.Window{Start: spec.Window.Start.UTC(), End: spec.Window.End.UTC()},
		PickupLocation:  spec.PickupLocation,
		DropoffLocation: spec.DropoffLocation,
		TotalCostMinor:  spec.TotalCostMinor,
		PromoCode:       spec.PromoCode,
		Status:          domain.RentalStatusPending,
	}
	if rental.DropoffLocation == "" {
		rental.DropoffLocation = rental.PickupLocation
	}
	if errs := rental.Validate(); len(errs) > 0 {
		return domain.Rental{}, domain.NewValidationError("rental", errors.Join(errs...))
	}

	created, err := l.rentals.Create(ctx, rental)
	if err != nil {
		return domain.Rental{}, err
	}

	l.logger.WithFields(log.Fields{
		"rental_id": created.ID,
		"unit_id":   created.UnitID,
		"user_id":   created.UserID,
	}).Debug("rental created")
	return created, nil
}

// Get возвращает аренду по идентификатору.
func (l *Ledger) Get(ctx context.Context, id int64) (domain.Rental, error) {
	return l.rentals.Get(ctx, id)
}

// ListByTransaction возвращает аренды, связанные с транзакцией через леджер.
func (l *Ledger) ListByTransaction(ctx context.Context, transactionID int64) ([]domain.Rental, error) {
	rows, err := l.payments.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list rental payments: %w", err)
	}

	rentals := make([]domain.Rental, 0, len(rows))
	for _, row := range rows {
		rental, err := l.rentals.Get(ctx, row.RentalID)
		if err != nil {
			return nil, fmt.Errorf("load rental %d: %w", row.RentalID, err)
		}
		rentals = append(rentals, rental)
	}
	return rentals, nil
}

// UpdateStatus переводит аренду в новый статус. Тот же статус: no-op,
// недопустимый переход: IllegalTransitionError. Конкурентная смена статуса
// перечитывается и проверяется заново с экспоненциальной задержкой.
func (l *Ledger) UpdateStatus(ctx context.Context, id int64, to domain.RentalStatus) (domain.Rental, error) {
	if !to.Valid() {
		return domain.Rental{}, domain.NewValidationError("status", fmt.Errorf("unknown rental status %q", to))
	}

	var lastErr error
	for attempt := 0; attempt < updateMaxRetries; attempt++ {
		current, err := l.rentals.Get(ctx, id)
		if err != nil {
			return domain.Rental{}, err
		}
		if current.Status == to {
			return current, nil
		}
		if !domain.CanTransition(current.Status, to) {
			return current, &domain.IllegalTransitionError{
				Entity: "rental",
				ID:     id,
				From:   string(current.Status),
				To:     string(to),
			}
		}

		updated, err := l.rentals.UpdateStatus(ctx, id, current.Status, to)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrRentalStatusConflict) {
			return domain.Rental{}, err
		}

		lastErr = err
		l.logger.WithFields(log.Fields{
			"rental_id": id,
			"attempt":   attempt + 1,
		}).Warn("rental status changed concurrently, retrying")

		select {
		case <-ctx.Done():
			return domain.Rental{}, ctx.Err()
		case <-time.After(updateBaseDelay * time.Duration(1<<uint(attempt))):
		}
	}
	return domain.Rental{}, lastErr
}

// CancelRental отменяет аренду. Уже отменённая: успех без изменений (changed=false),
// завершённая: IllegalTransitionError.
func (l *Ledger) CancelRental(ctx context.Context, id int64) (domain.Rental, bool, error) {
	current, err := l.rentals.Get(ctx, id)
	if err != nil {
		return domain.Rental{}, false, err
	}
	if current.Status == domain.RentalStatusCancelled {
		return current, false, nil
	}

	updated, err := l.UpdateStatus(ctx, id, domain.RentalStatusCancelled)
	if err != nil {
		return updated, false, err
	}
	return updated, true, nil
}

// LinkToTransaction добавляет строку леджера: какая сумма транзакции приходится на аренду.
func (l *Ledger) LinkToTransaction(ctx context.Context, rentalID, transactionID, amountMinor int64) error {
	if amountMinor < 0 {
		return domain.NewValidationError("amount", domain.ErrAmountNegative)
	}
	if _, err := l.rentals.Get(ctx, rentalID); err != nil {
		return err
	}

	return l.payments.Create(ctx, domain.RentalPayment{
		RentalID:      rentalID,
		TransactionID: transactionID,
		AmountMinor:   amountMinor,
	})
}

// Payments возвращает строки леджера по транзакции.
func (l *Ledger) Payments(ctx context.Context, transactionID int64) ([]domain.RentalPayment, error) {
	return l.payments.ListByTransaction(ctx, transactionID)
}
