package domain

import (
	"strings"
	"time"
)

// TransactionStatus описывает состояние платёжной попытки.
type TransactionStatus string

const (
	// TransactionStatusPending: транзакция создана, решение по оплате не принято.
	TransactionStatusPending TransactionStatus = "pending"
	// TransactionStatusSuccess: оплата подтверждена.
	TransactionStatusSuccess TransactionStatus = "success"
	// TransactionStatusFailed: оплата отклонена или все аренды отменены.
	TransactionStatusFailed TransactionStatus = "failed"
)

// CanTransitionTransaction: из pending можно уйти в success или failed, остальное терминально.
func CanTransitionTransaction(from, to TransactionStatus) bool {
	return from == TransactionStatusPending && (to == TransactionStatusSuccess || to == TransactionStatusFailed)
}

// PaymentKind определяет, когда заказываются заказы на выдачу.
type PaymentKind string

const (
	// PaymentKindCOD: оплата при получении, заказ создаётся сразу при одобрении.
	PaymentKindCOD PaymentKind = "cod"
	// PaymentKindQR: предоплата, заказ создаётся по подтверждению платежа.
	PaymentKindQR PaymentKind = "qr"
)

// PaymentMethod: выбранный клиентом способ оплаты.
type PaymentMethod struct {
	ID      string
	Kind    PaymentKind
	Gateway string
}

var paymentMethods = map[string]PaymentMethod{
	"cod":              {ID: "cod", Kind: PaymentKindCOD, Gateway: "cash"},
	"qr":               {ID: "qr", Kind: PaymentKindQR, Gateway: "qr"},
	"bank_transfer_qr": {ID: "bank_transfer_qr", Kind: PaymentKindQR, Gateway: "bank_transfer"},
}

// ResolvePaymentMethod находит способ оплаты по идентификатору.
func ResolvePaymentMethod(id string) (PaymentMethod, error) {
	method, ok := paymentMethods[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return PaymentMethod{}, ErrPaymentMethodUnknown
	}
	return method, nil
}

// TransactionMetadata: JSON-метаданные транзакции.
type TransactionMetadata struct {
	RentalIDs      []int64 `json:"rental_ids"`
	RentalCount    int     `json:"rental_count"`
	CartCheckout   bool    `json:"cart_checkout"`
	PromoCode      *string `json:"promo_code"`
	OriginalAmount int64   `json:"original_amount"`
	DiscountAmount int64   `json:"discount_amount"`
}

// Transaction: одна платёжная попытка, покрывающая одну или несколько аренд.
type Transaction struct {
	ID              int64
	UserID          int64
	AmountMinor     int64
	PaymentMethod   PaymentMethod
	TransactionCode string
	Status          TransactionStatus
	Metadata        TransactionMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate проверяет инварианты транзакции.
func (t *Transaction) Validate() []error {
	var errs []error

	if t.UserID <= 0 {
		errs = append(errs, ErrUserRequired)
	}
	if t.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if len(t.Metadata.RentalIDs) == 0 {
		errs = append(errs, ErrRentalsRequired)
	}
	if _, err := ResolvePaymentMethod(t.PaymentMethod.ID); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// RentalPayment: строка леджера, показывает, какая часть транзакции приходится на аренду.
type RentalPayment struct {
	RentalID      int64
	TransactionID int64
	AmountMinor   int64
}

// LedgerWithinTolerance проверяет границу суммы леджера: расхождение с суммой
// транзакции не больше одной денежной единицы на каждую аренду.
func LedgerWithinTolerance(amountMinor int64, rows []RentalPayment) bool {
	var sum int64
	for _, row := range rows {
		sum += row.AmountMinor
	}
	diff := sum - amountMinor
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(len(rows))
}
