package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation: общий маркер ошибок валидации входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrConflict: недостаточно свободных единиц под запрошенное окно.
	ErrConflict = errors.New("insufficient free units")
	// ErrUpstreamUnavailable: внешний сервис недоступен или ответил неожиданно.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrIllegalTransition: запрещённый переход статуса (аренды или транзакции).
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrForbidden: у принципала нет прав на операцию.
	ErrForbidden = errors.New("forbidden")

	ErrUserRequired         = errors.New("user_id is required")
	ErrCartEmpty            = errors.New("cart must contain at least one item")
	ErrCatalogRequired      = errors.New("catalog_id is required")
	ErrLocationRequired     = errors.New("location is required")
	ErrQuantityInvalid      = errors.New("quantity must be greater than zero")
	ErrWindowInvalid        = errors.New("window end must be after start")
	ErrWindowTooLong        = errors.New("rental window exceeds the maximum rental length")
	ErrAmountOverflow       = errors.New("cart total exceeds the supported amount")
	ErrAmountNegative       = errors.New("amount must be non-negative")
	ErrPaymentMethodUnknown = errors.New("unknown payment method")
	ErrRentalsRequired      = errors.New("transaction must reference at least one rental")
	ErrRentalsUserMismatch  = errors.New("all rentals must belong to the transaction user")
	ErrUnitRequired         = errors.New("unit_id is required")

	// ErrRentalNotFound возвращается, если аренда не найдена.
	ErrRentalNotFound = errors.New("rental not found")
	// ErrRentalStatusConflict: статус аренды изменился между чтением и записью.
	ErrRentalStatusConflict = errors.New("rental status changed concurrently")
	// ErrRentalOverlap: хранилище отклонило аренду с пересекающимся окном (exclusion).
	ErrRentalOverlap = errors.New("rental window overlaps an active rental on the unit")
	// ErrRentalPaymentExists: строка леджера для пары аренда/транзакция уже есть.
	ErrRentalPaymentExists = errors.New("rental payment already linked")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionCodeExists: transaction_code уже занят.
	ErrTransactionCodeExists = errors.New("transaction code already exists")
	// ErrTransactionStatusConflict: статус транзакции изменился между чтением и записью.
	ErrTransactionStatusConflict = errors.New("transaction status changed concurrently")
	ErrUnitNotFound              = errors.New("unit not found")
	ErrSagaNotFound              = errors.New("saga not found")
	ErrCatalogItemNotFound       = errors.New("catalog item not found")
	ErrPromotionNotFound         = errors.New("promotion not found")
	// ErrCheckoutInProgress: чекаут с тем же idempotency-key ещё выполняется.
	ErrCheckoutInProgress = errors.New("checkout with this idempotency key is in progress")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ValidationError описывает некорректное поле запроса. Побочных эффектов нет.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %v", e.Err)
	}
	return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// NewValidationError: короткий конструктор.
func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// ConflictError: свободных единиц меньше, чем запрошено.
type ConflictError struct {
	CatalogID int64
	Location  string
	Window    Window
	Requested int
	Allocated int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("catalog %d at %q: requested %d units for %s, only %d free",
		e.CatalogID, e.Location, e.Requested, e.Window, e.Allocated)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// UpstreamError оборачивает отказ внешнего коллаборатора.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.Err} }

// NewUpstreamError помечает ошибку коллаборатора как UpstreamUnavailable.
func NewUpstreamError(service string, err error) error {
	return &UpstreamError{Service: service, Err: err}
}

// IllegalTransitionError: попытка перевести сущность в недопустимый статус.
type IllegalTransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s %d: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// IsIdempotencyConflict проверяет, что ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// UserMessage возвращает одно человекочитаемое сообщение для клиента.
// Исходная причина остаётся в цепочке ошибки.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "The request is invalid: " + err.Error()
	case errors.Is(err, ErrConflict):
		return "Not enough vehicles are available for the selected dates."
	case errors.Is(err, ErrUpstreamUnavailable):
		return "A dependent service is unavailable, please try again later."
	case errors.Is(err, ErrIllegalTransition):
		return "The operation is not allowed in the current status."
	case errors.Is(err, ErrForbidden):
		return "You are not allowed to perform this operation."
	case errors.Is(err, ErrRentalNotFound), errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrUnitNotFound), errors.Is(err, ErrSagaNotFound):
		return "The requested resource was not found."
	case errors.Is(err, ErrCheckoutInProgress):
		return "This checkout is already being processed."
	default:
		return "Internal error."
	}
}
