package domain

import "context"

// CatalogService: внешний каталог моделей. Цена неизменна в рамках одной саги.
type CatalogService interface {
	GetCatalogItem(ctx context.Context, id int64) (CatalogItem, error)
}

// PromotionService: источник промокодов. Неизвестный код → ErrPromotionNotFound.
type PromotionService interface {
	Lookup(ctx context.Context, code string) (Promotion, error)
}

// OrderService: внешний сервис заказов на выдачу техники.
type OrderService interface {
	// CreateOrder запрашивает создание заказа на выдачу по аренде.
	CreateOrder(ctx context.Context, rental Rental, tx Transaction) error
}

// InventoryService обновляет грубый статус единицы. Это денормализованный кэш,
// ошибки здесь не влияют на корректность бронирования.
type InventoryService interface {
	SetUnitStatus(ctx context.Context, unitID int64, status UnitStatus) error
}

// UnitLocker даёт взаимное исключение по единице на время check-then-create.
type UnitLocker interface {
	// Lock блокирует единицу и возвращает функцию освобождения.
	Lock(ctx context.Context, unitID int64) (func(), error)
}

// CredentialVerifier: чёрный ящик "учётные данные → принципал".
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepPricing     SagaStep = "pricing"
	SagaStepAllocate    SagaStep = "allocate"
	SagaStepTransaction SagaStep = "transaction"
	SagaStepLink        SagaStep = "link"
	SagaStepCompensate  SagaStep = "compensate"
)
