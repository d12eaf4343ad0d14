package domain

import "time"

// RentalStatus описывает жизненный цикл аренды.
type RentalStatus string

const (
	// RentalStatusPending: аренда создана сагой и ждёт решения по оплате.
	RentalStatusPending RentalStatus = "pending"
	// RentalStatusOngoing: оплата одобрена, аренда действует.
	RentalStatusOngoing RentalStatus = "ongoing"
	// RentalStatusCompleted: аренда завершена (терминальный статус).
	RentalStatusCompleted RentalStatus = "completed"
	// RentalStatusCancelled: аренда отменена (терминальный статус).
	RentalStatusCancelled RentalStatus = "cancelled"
)

var rentalTransitions = map[RentalStatus][]RentalStatus{
	RentalStatusPending: {RentalStatusOngoing, RentalStatusCompleted, RentalStatusCancelled},
	RentalStatusOngoing: {RentalStatusCompleted, RentalStatusCancelled},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s RentalStatus) Valid() bool {
	switch s {
	case RentalStatusPending, RentalStatusOngoing, RentalStatusCompleted, RentalStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal: completed и cancelled дальше не меняются.
func (s RentalStatus) IsTerminal() bool {
	return s == RentalStatusCompleted || s == RentalStatusCancelled
}

// IsActive: статусы, которые занимают единицу на своё окно.
func (s RentalStatus) IsActive() bool {
	return s == RentalStatusPending || s == RentalStatusOngoing
}

// CanTransition сообщает, разрешён ли переход from → to.
func CanTransition(from, to RentalStatus) bool {
	for _, next := range rentalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Rental: бронь одной единицы на одно окно.
type Rental struct {
	ID              int64
	UserID          int64
	UnitID          int64
	Window          Window
	PickupLocation  string
	DropoffLocation string
	TotalCostMinor  int64
	PromoCode       string
	Status          RentalStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate проверяет ключевые поля аренды перед сохранением.
func (r *Rental) Validate() []error {
	var errs []error

	if r.UserID <= 0 {
		errs = append(errs, ErrUserRequired)
	}
	if r.UnitID <= 0 {
		errs = append(errs, ErrUnitRequired)
	}
	if err := r.Window.Validate(); err != nil {
		errs = append(errs, err)
	}
	if r.TotalCostMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}

// RentalFailure: причина, по которой каскад не смог обработать аренду.
type RentalFailure struct {
	RentalID int64  `json:"rental_id"`
	Reason   string `json:"reason"`
}

// CascadeResult: итог best-effort каскада по арендам транзакции.
// Частичный отказ возвращается данными, а не ошибкой.
type CascadeResult struct {
	Updated  int             `json:"updated_count"`
	Failures []RentalFailure `json:"failures"`
}

// Fail добавляет отказ по аренде.
func (c *CascadeResult) Fail(rentalID int64, reason string) {
	c.Failures = append(c.Failures, RentalFailure{RentalID: rentalID, Reason: reason})
}

// Complete сообщает, что ни одна аренда не упала.
func (c CascadeResult) Complete() bool {
	return len(c.Failures) == 0
}
