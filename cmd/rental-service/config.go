package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/app"
)

const (
	envLogLevel = "RMS_LOG_LEVEL"

	envHTTPAddr    = "RMS_HTTP_ADDR"
	envGRPCAddr    = "RMS_GRPC_ADDR"
	envMetricsAddr = "RMS_METRICS_ADDR"

	envStorageDriver       = "RMS_STORAGE_DRIVER"
	envPostgresDSN         = "RMS_POSTGRES_DSN"
	envPostgresAutoMigrate = "RMS_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxConns    = "RMS_POSTGRES_MAX_CONNS"
	envSeedDemoData        = "RMS_SEED_DEMO_DATA"

	envRedisAddr = "RMS_REDIS_ADDR"
	envLockTTL   = "RMS_LOCK_TTL"

	envKafkaBrokers            = "RMS_KAFKA_BROKERS"
	envKafkaEventsTopic        = "RMS_KAFKA_EVENTS_TOPIC"
	envKafkaConfirmationsTopic = "RMS_KAFKA_CONFIRMATIONS_TOPIC"
	envKafkaDLQTopic           = "RMS_KAFKA_DLQ_TOPIC"
	envKafkaGroupID            = "RMS_KAFKA_GROUP_ID"
	envKafkaMaxRetries         = "RMS_KAFKA_MAX_RETRIES"

	envOutboxPollInterval = "RMS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "RMS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "RMS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "RMS_OUTBOX_RETRY_DELAY"
	envOutboxStaleAfter   = "RMS_OUTBOX_STALE_AFTER"

	envIdempotencyTTL              = "RMS_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "RMS_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "RMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envIdempotencyStaleAfter       = "RMS_IDEMPOTENCY_STALE_AFTER"

	envReconcileSpec = "RMS_RECONCILE_SPEC"

	envJWTSecret = "RMS_JWT_SECRET"
	envJWTIssuer = "RMS_JWT_ISSUER"
)

type envLookup func(key string) (string, bool)

func positiveInt(v int) bool                   { return v > 0 }
func nonNegativeInt(v int) bool                { return v >= 0 }
func positiveDuration(v time.Duration) bool    { return v > 0 }
func nonNegativeDuration(v time.Duration) bool { return v >= 0 }

// readConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения не валят запуск: остаётся дефолт и добавляется предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v, using default", key, err))
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setBool := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}
	setInt := func(key string, dst *int, valid func(int) bool, msg string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, valid, msg)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}
	setDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, msg string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, msg)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}

	setString(envHTTPAddr, &cfg.HTTPAddr)
	setString(envGRPCAddr, &cfg.GRPCAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)

	setString(envStorageDriver, &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setInt(envPostgresMaxConns, &cfg.PostgresMaxConns, positiveInt, "must be > 0")
	setBool(envSeedDemoData, &cfg.SeedDemoData)

	setString(envRedisAddr, &cfg.RedisAddr)
	setDuration(envLockTTL, &cfg.LockTTL, positiveDuration, "must be > 0")

	setString(envKafkaBrokers, &cfg.KafkaBrokers)
	setString(envKafkaEventsTopic, &cfg.KafkaEventsTopic)
	setString(envKafkaConfirmationsTopic, &cfg.KafkaConfirmationsTopic)
	setString(envKafkaDLQTopic, &cfg.KafkaDLQTopic)
	setString(envKafkaGroupID, &cfg.KafkaGroupID)
	setInt(envKafkaMaxRetries, &cfg.KafkaMaxRetries, nonNegativeInt, "must be >= 0")

	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	setDuration(envOutboxStaleAfter, &cfg.OutboxStaleAfter, positiveDuration, "must be > 0")

	setDuration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")
	setDuration(envIdempotencyStaleAfter, &cfg.IdempotencyStaleAfter, positiveDuration, "must be > 0")

	setString(envReconcileSpec, &cfg.ReconcileSpec)

	setString(envJWTSecret, &cfg.JWTSecret)
	setString(envJWTIssuer, &cfg.JWTIssuer)

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, msg string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(msg)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, msg string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(msg)
	}
	return value, nil
}
