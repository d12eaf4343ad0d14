// Package payment создаёт платёжные транзакции и ведёт их статус.
// Реальный платёжный шлюз вне сервиса: подтверждение приходит сигналом.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// TransactionSpec: входные данные CreateTransaction.
type TransactionSpec struct {
	UserID          int64
	RentalIDs       []int64
	AmountMinor     int64
	PaymentMethodID string
	// TransactionCode: клиентский ключ идемпотентности; пустой → новый UUID.
	TransactionCode string
	CartCheckout    bool
	PromoCode       *string
	OriginalAmount  int64
	DiscountAmount  int64
}

// RentalReader читает аренды, на которые ссылается транзакция.
type RentalReader interface {
	Get(ctx context.Context, id int64) (domain.Rental, error)
}

// Option настраивает Service.
type Option func(*Service)

// WithRentals включает проверку, что все аренды транзакции принадлежат её пользователю.
func WithRentals(rentals RentalReader) Option {
	return func(s *Service) { s.rentals = rentals }
}

// Service управляет транзакциями.
type Service struct {
	transactions domain.TransactionRepository
	rentals      RentalReader
	logger       *log.Entry
}

// NewService создаёт платёжный модуль.
func NewService(transactions domain.TransactionRepository, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "payment")
	}
	s := &Service{transactions: transactions, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTransaction валидирует запрос и сохраняет транзакцию в статусе pending.
func (s *Service) CreateTransaction(ctx context.Context, spec TransactionSpec) (domain.Transaction, error) {
	method, err := domain.ResolvePaymentMethod(spec.PaymentMethodID)
	if err != nil {
		return domain.Transaction{}, domain.NewValidationError("payment_method", err)
	}

	code := strings.TrimSpace(spec.TransactionCode)
	if code == "" {
		code = uuid.NewString()
	}

	tx := domain.Transaction{
		UserID:          spec.UserID,
		AmountMinor:     spec.AmountMinor,
		PaymentMethod:   method,
		TransactionCode: code,
		Status:          domain.TransactionStatusPending,
		Metadata: domain.TransactionMetadata{
			RentalIDs:      append([]int64(nil), spec.RentalIDs...),
			RentalCount:    len(spec.RentalIDs),
			CartCheckout:   spec.CartCheckout,
			PromoCode:      spec.PromoCode,
			OriginalAmount: spec.OriginalAmount,
			DiscountAmount: spec.DiscountAmount,
		},
	}
	if errs := tx.Validate(); len(errs) > 0 {
		return domain.Transaction{}, domain.NewValidationError("transaction", errors.Join(errs...))
	}
	if err := s.checkOwner(ctx, tx); err != nil {
		return domain.Transaction{}, err
	}

	created, err := s.transactions.Create(ctx, tx)
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logger.WithFields(log.Fields{
		"transaction_id":   created.ID,
		"transaction_code": created.TransactionCode,
		"amount_minor":     created.AmountMinor,
		"rental_count":     created.Metadata.RentalCount,
	}).Info("transaction created")
	return created, nil
}

// Get возвращает транзакцию по идентификатору.
func (s *Service) Get(ctx context.Context, id int64) (domain.Transaction, error) {
	return s.transactions.Get(ctx, id)
}

// GetByCode возвращает транзакцию по transaction_code.
func (s *Service) GetByCode(ctx context.Context, code string) (domain.Transaction, error) {
	return s.transactions.GetByCode(ctx, code)
}

// MarkStatus переводит транзакцию pending → success|failed. Тот же статус: no-op.
func (s *Service) MarkStatus(ctx context.Context, id int64, to domain.TransactionStatus) (domain.Transaction, error) {
	current, err := s.transactions.Get(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if !domain.CanTransitionTransaction(current.Status, to) {
		return current, illegalTransition(current, to)
	}

	updated, err := s.transactions.UpdateStatus(ctx, id, current.Status, to)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionStatusConflict) {
			if updated.Status == to {
				return updated, nil
			}
			return updated, illegalTransition(updated, to)
		}
		return domain.Transaction{}, fmt.Errorf("update transaction %d status: %w", id, err)
	}

	s.logger.WithFields(log.Fields{
		"transaction_id": id,
		"from":           current.Status,
		"to":             to,
	}).Info("transaction status changed")
	return updated, nil
}

// checkOwner: без RentalReader проверка пропускается.
func (s *Service) checkOwner(ctx context.Context, tx domain.Transaction) error {
	if s.rentals == nil {
		return nil
	}
	for _, rentalID := range tx.Metadata.RentalIDs {
		rental, err := s.rentals.Get(ctx, rentalID)
		if err != nil {
			if errors.Is(err, domain.ErrRentalNotFound) {
				return domain.NewValidationError("rental_ids", err)
			}
			return fmt.Errorf("load rental %d: %w", rentalID, err)
		}
		if rental.UserID != tx.UserID {
			return domain.NewValidationError("rental_ids",
				fmt.Errorf("%w: rental %d belongs to user %d", domain.ErrRentalsUserMismatch, rentalID, rental.UserID))
		}
	}
	return nil
}

func illegalTransition(tx domain.Transaction, to domain.TransactionStatus) error {
	return &domain.IllegalTransitionError{
		Entity: "transaction",
		ID:     tx.ID,
		From:   string(tx.Status),
		To:     string(to),
	}
}
