package app

import (
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/lock"
	"github.com/vladislavdragonenkov/rms/internal/metrics"
	"github.com/vladislavdragonenkov/rms/internal/service/availability"
	"github.com/vladislavdragonenkov/rms/internal/service/inventory"
	"github.com/vladislavdragonenkov/rms/internal/service/ledger"
	"github.com/vladislavdragonenkov/rms/internal/service/order"
	"github.com/vladislavdragonenkov/rms/internal/service/payment"
	"github.com/vladislavdragonenkov/rms/internal/service/saga"
	"github.com/vladislavdragonenkov/rms/internal/service/settlement"
)

// services: собранный прикладной слой поверх хранилищ.
type services struct {
	resolver     *availability.Resolver
	orchestrator saga.Orchestrator
	coordinator  *settlement.Coordinator
	locker       domain.UnitLocker
}

// newRedisClient возвращает клиента Redis или nil, если адрес не задан.
func newRedisClient(addr string) redis.UniversalClient {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

// newUnitLocker выбирает распределённую блокировку при наличии Redis.
func newUnitLocker(cfg Config, client redis.UniversalClient, logger *log.Entry) domain.UnitLocker {
	if client == nil {
		logger.Info("using in-process unit locker")
		return lock.NewMemoryLocker()
	}
	logger.WithField("redis_addr", cfg.RedisAddr).Info("using redis unit locker")
	return lock.NewRedisLocker(client, "", logger.WithField("component", "unit-lock"), lock.WithTTL(cfg.LockTTL))
}

// createServices собирает сагу и координатор расчётов на общих зависимостях.
func createServices(cfg Config, deps *runtimeDependencies, locker domain.UnitLocker, sagaMetrics *metrics.SagaMetrics, logger *log.Entry) *services {
	resolver := availability.NewResolver(deps.units, deps.rentals, logger.WithField("component", "availability"))
	rentalLedger := ledger.New(deps.rentals, deps.rentalPayments, logger.WithField("component", "ledger"))
	payments := payment.NewService(deps.transactions, logger.WithField("component", "payment"), payment.WithRentals(rentalLedger))
	statusSync := inventory.NewStatusSync(deps.units, logger.WithField("component", "inventory"))

	orchestrator := saga.NewOrchestrator(saga.Deps{
		Catalog:        deps.catalog,
		Promotions:     deps.promotions,
		Availability:   resolver,
		Ledger:         rentalLedger,
		Payments:       payments,
		Inventory:      statusSync,
		Locker:         locker,
		Idempotency:    deps.idempotencyRepo,
		Outbox:         deps.outboxRepo,
		Timeline:       deps.timelineRepo,
		Metrics:        sagaMetrics,
		Logger:         logger.WithField("component", "saga"),
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	coordinator := settlement.NewCoordinator(settlement.Deps{
		Ledger:    rentalLedger,
		Payments:  payments,
		Orders:    order.NewRequester(deps.outboxRepo, logger.WithField("component", "order-requester")),
		Inventory: statusSync,
		Outbox:    deps.outboxRepo,
		Metrics:   sagaMetrics,
		Logger:    logger.WithField("component", "settlement"),
	})

	return &services{
		resolver:     resolver,
		orchestrator: orchestrator,
		coordinator:  coordinator,
		locker:       locker,
	}
}
