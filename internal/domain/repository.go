package domain

import (
	"context"
	"time"
)

// UnitRepository хранит физические единицы техники.
type UnitRepository interface {
	Get(ctx context.Context, id int64) (Unit, error)
	// ListByCatalogLocation возвращает единицы модели в точке выдачи (без учёта статуса).
	ListByCatalogLocation(ctx context.Context, catalogID int64, location string) ([]Unit, error)
	List(ctx context.Context) ([]Unit, error)
	UpdateStatus(ctx context.Context, id int64, status UnitStatus) error
}

// RentalRepository: хранилище аренд. Create обязан атомарно отклонять
// пересечение с активной арендой той же единицы (ErrRentalOverlap).
type RentalRepository interface {
	Create(ctx context.Context, rental Rental) (Rental, error)
	Get(ctx context.Context, id int64) (Rental, error)
	// UpdateStatus меняет статус только если текущий равен from (compare-and-set).
	UpdateStatus(ctx context.Context, id int64, from, to RentalStatus) (Rental, error)
	// FindOverlapping возвращает активные аренды единиц, пересекающие окно.
	FindOverlapping(ctx context.Context, unitIDs []int64, window Window) ([]Rental, error)
	// ListActiveAt возвращает активные аренды, окно которых содержит момент at.
	ListActiveAt(ctx context.Context, at time.Time) ([]Rental, error)
}

// TransactionRepository: хранилище платёжных транзакций.
type TransactionRepository interface {
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, id int64) (Transaction, error)
	GetByCode(ctx context.Context, code string) (Transaction, error)
	UpdateStatus(ctx context.Context, id int64, from, to TransactionStatus) (Transaction, error)
}

// RentalPaymentRepository: таблица связей аренда↔транзакция.
type RentalPaymentRepository interface {
	Create(ctx context.Context, row RentalPayment) error
	ListByTransaction(ctx context.Context, transactionID int64) ([]RentalPayment, error)
}

// IdempotencyRepository хранит состояние чекаутов по idempotency-key.
type IdempotencyRepository interface {
	// Claim создаёт запись processing. Если ключ занят, возвращает существующую
	// запись и ошибку из IdempotencyClaim.Against.
	Claim(ctx context.Context, claim IdempotencyClaim) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, transactionID int64) error
	MarkFailed(ctx context.Context, key string, reason string) error
	// Release удаляет ключ в статусе failed, чтобы клиент мог повторить запрос.
	Release(ctx context.Context, key string) error
	// AbandonStale переводит в failed ключи, застрявшие в processing с момента updatedBefore.
	AbandonStale(ctx context.Context, updatedBefore time.Time, reason string, limit int) (int, error)
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// TimelineRepository хранит историю состояний саг.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, sagaID string) ([]TimelineEvent, error)
}
