// Package saga реализует чекаут-сагу: корзина → выбор единиц → аренды →
// одна платёжная транзакция, с компенсацией при отказе, а также
// пользовательскую отмену аренд и транзакций.
package saga

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/lock"
	"github.com/vladislavdragonenkov/rms/internal/metrics"
	"github.com/vladislavdragonenkov/rms/internal/service/availability"
	"github.com/vladislavdragonenkov/rms/internal/service/ledger"
	"github.com/vladislavdragonenkov/rms/internal/service/payment"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Orchestrator описывает внешние операции саги.
type Orchestrator interface {
	Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error)
	CancelRental(ctx context.Context, rentalID, userID int64) error
	CancelTransaction(ctx context.Context, transactionID, userID int64) (domain.CascadeResult, error)
}

// Deps: зависимости оркестратора. Catalog, Availability, Ledger и Payments обязательны.
type Deps struct {
	Catalog      domain.CatalogService
	Promotions   domain.PromotionService
	Availability *availability.Resolver
	Ledger       *ledger.Ledger
	Payments     *payment.Service
	Inventory    domain.InventoryService
	Locker       domain.UnitLocker
	Idempotency  domain.IdempotencyRepository
	Outbox       domain.OutboxRepository
	Timeline     domain.TimelineRepository
	Breaker      *CircuitBreaker
	// Metrics == nil отключает метрики (для тестов).
	Metrics        *metrics.SagaMetrics
	Logger         *log.Entry
	IdempotencyTTL time.Duration
}

type orchestrator struct {
	catalog        domain.CatalogService
	promotions     domain.PromotionService
	availability   *availability.Resolver
	ledger         *ledger.Ledger
	payments       *payment.Service
	inventory      domain.InventoryService
	locker         domain.UnitLocker
	idempotency    domain.IdempotencyRepository
	outbox         domain.OutboxRepository
	timeline       domain.TimelineRepository
	breaker        *CircuitBreaker
	metrics        *metrics.SagaMetrics
	logger         *log.Entry
	idempotencyTTL time.Duration
	now            func() time.Time
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(deps Deps) Orchestrator {
	return newOrchestrator(deps)
}

func newOrchestrator(deps Deps) *orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	breaker := deps.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 30*time.Second, logger.WithField("breaker", "catalog"))
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	return &orchestrator{
		catalog:        deps.Catalog,
		promotions:     deps.Promotions,
		availability:   deps.Availability,
		ledger:         deps.Ledger,
		payments:       deps.Payments,
		inventory:      deps.Inventory,
		locker:         locker,
		idempotency:    deps.Idempotency,
		outbox:         deps.Outbox,
		timeline:       deps.Timeline,
		breaker:        breaker,
		metrics:        deps.Metrics,
		logger:         logger,
		idempotencyTTL: ttl,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// setUnitStatus: best-effort обновление грубого статуса единицы.
func (o *orchestrator) setUnitStatus(ctx context.Context, unitID int64, status domain.UnitStatus) {
	if o.inventory == nil {
		return
	}
	if err := o.inventory.SetUnitStatus(ctx, unitID, status); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"unit_id": unitID,
			"status":  status,
		}).Warn("unit coarse status update failed")
	}
}

var _ Orchestrator = (*orchestrator)(nil)
