package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/storage/memory"
	"github.com/vladislavdragonenkov/rms/internal/storage/postgres"
)

// runtimeDependencies: хранилища и внешние каталоги выбранного драйвера.
type runtimeDependencies struct {
	units           domain.UnitRepository
	rentals         domain.RentalRepository
	transactions    domain.TransactionRepository
	rentalPayments  domain.RentalPaymentRepository
	idempotencyRepo domain.IdempotencyRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	catalog         domain.CatalogService
	promotions      domain.PromotionService

	// store != nil только для postgres.
	store *postgres.Store
}

func (d *runtimeDependencies) Close() error {
	if d == nil || d.store == nil {
		return nil
	}
	return d.store.Close()
}

// initRuntimeDependencies создаёт хранилища по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		return initMemoryDependencies(cfg, logger), nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryDependencies(cfg Config, logger *log.Entry) *runtimeDependencies {
	units := memory.NewUnitRepository()
	catalog := memory.NewCatalog()
	promotions := memory.NewPromotions()
	if cfg.SeedDemoData {
		memory.SeedDemo(catalog, units, promotions)
		logger.Info("in-memory storage seeded with demo catalog")
	}

	return &runtimeDependencies{
		units:           units,
		rentals:         memory.NewRentalRepository(),
		transactions:    memory.NewTransactionRepository(),
		rentalPayments:  memory.NewRentalPaymentRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		outboxRepo:      memory.NewOutboxRepository(),
		timelineRepo:    memory.NewTimelineRepository(),
		catalog:         catalog,
		promotions:      promotions,
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("postgres storage requires a DSN")
	}

	store, err := postgres.Open(ctx, dsn, postgres.WithMaxConns(cfg.PostgresMaxConns))
	if err != nil {
		return nil, err
	}

	var schema postgres.SchemaStatus
	if cfg.PostgresAutoMigrate {
		schema, err = store.EnsureSchema(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	} else if schema, err = store.InspectSchema(ctx); err != nil {
		logger.WithError(err).Warn("postgres schema version is unknown")
	} else if schema.Pending > 0 {
		logger.WithField("pending", schema.Pending).Warn("postgres schema is behind the binary")
	}
	logger.WithFields(log.Fields{
		"schema_version":  schema.Version,
		"applied_steps":   schema.Applied,
		"max_connections": cfg.PostgresMaxConns,
	}).Info("postgres storage ready")

	if err := store.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.WithError(err).Warn("postgres pool metrics are not exported")
	}

	return &runtimeDependencies{
		units:           postgres.NewUnitRepository(store),
		rentals:         postgres.NewRentalRepository(store),
		transactions:    postgres.NewTransactionRepository(store),
		rentalPayments:  postgres.NewRentalPaymentRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		catalog:         postgres.NewCatalogService(store),
		promotions:      postgres.NewPromotionService(store),
		store:           store,
	}, nil
}
