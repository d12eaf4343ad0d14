package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType определяет тип события
type EventType string

const (
	// Saga события
	EventTypeSagaStarted     EventType = "saga.started"
	EventTypeSagaCompleted   EventType = "saga.completed"
	EventTypeSagaCompensated EventType = "saga.compensated"

	// Rental события
	EventTypeRentalCreated       EventType = "rental.created"
	EventTypeRentalStatusChanged EventType = "rental.status_changed"
	EventTypeRentalCancelled     EventType = "rental.cancelled"

	// Transaction события
	EventTypeTransactionCreated       EventType = "transaction.created"
	EventTypeTransactionStatusChanged EventType = "transaction.status_changed"

	// Заказ на выдачу для внешнего order-сервиса
	EventTypeOrderRequested EventType = "order.requested"

	// Входящий сигнал платёжного шлюза
	EventTypePaymentConfirmed EventType = "payment.confirmed"
)

// Агрегаты outbox-сообщений
const (
	AggregateRental      = "rental"
	AggregateTransaction = "transaction"
	AggregateSaga        = "saga"
)

// Topics для Kafka
const (
	TopicRentalEvents         = "rms.rental.events"
	TopicPaymentConfirmations = "rms.payment.confirmations"
	TopicDeadLetterQueue      = "rms.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// SagaEvent: payload событий чекаут-саги.
type SagaEvent struct {
	EventType     EventType              `json:"event_type"`
	SagaID        string                 `json:"saga_id"`
	TransactionID int64                  `json:"transaction_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewSagaEvent создает новое событие саги
func NewSagaEvent(eventType EventType, sagaID string, metadata map[string]interface{}) *SagaEvent {
	return &SagaEvent{
		EventType: eventType,
		SagaID:    sagaID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// RentalEvent: payload событий аренды.
type RentalEvent struct {
	EventType EventType `json:"event_type"`
	RentalID  int64     `json:"rental_id"`
	UserID    int64     `json:"user_id"`
	UnitID    int64     `json:"unit_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionEvent: payload событий транзакции.
type TransactionEvent struct {
	EventType       EventType `json:"event_type"`
	TransactionID   int64     `json:"transaction_id"`
	TransactionCode string    `json:"transaction_code"`
	UserID          int64     `json:"user_id"`
	AmountMinor     int64     `json:"amount_minor"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
}

// OrderRequest: запрос внешнему сервису заказов на выдачу единицы.
type OrderRequest struct {
	EventType       EventType `json:"event_type"`
	RentalID        int64     `json:"rental_id"`
	TransactionID   int64     `json:"transaction_id"`
	TransactionCode string    `json:"transaction_code"`
	UserID          int64     `json:"user_id"`
	UnitID          int64     `json:"unit_id"`
	PickupLocation  string    `json:"pickup_location"`
	DropoffLocation string    `json:"dropoff_location"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	PaymentKind     string    `json:"payment_kind"`
	Timestamp       time.Time `json:"timestamp"`
}

// PaymentConfirmation: сигнал шлюза о проведённой оплате.
type PaymentConfirmation struct {
	TransactionCode string    `json:"transaction_code"`
	Gateway         string    `json:"gateway,omitempty"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// ParsePaymentConfirmation разбирает подтверждение оплаты из тела сообщения.
func ParsePaymentConfirmation(value []byte) (*PaymentConfirmation, error) {
	var event PaymentConfirmation
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment confirmation: %w", err)
	}
	event.TransactionCode = strings.TrimSpace(event.TransactionCode)
	if event.TransactionCode == "" {
		return nil, fmt.Errorf("payment confirmation without transaction_code")
	}
	return &event, nil
}
