package app

import (
	"time"

	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rms/internal/service/inventory"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса. Все поля сравнимы, списки
// брокеров передаются строкой через запятую.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	// SeedDemoData заполняет in-memory хранилище демонстрационным каталогом.
	SeedDemoData bool

	// RedisAddr пустой: блокировки единиц внутри процесса.
	RedisAddr string
	LockTTL   time.Duration

	KafkaBrokers            string
	KafkaEventsTopic        string
	KafkaConfirmationsTopic string
	KafkaDLQTopic           string
	KafkaGroupID            string
	KafkaMaxRetries         int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxStaleAfter   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
	// IdempotencyStaleAfter: через сколько незавершённый чекаут считается брошенным.
	IdempotencyStaleAfter time.Duration

	ReconcileSpec string

	JWTSecret string
	JWTIssuer string
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,
		SeedDemoData:        true,

		LockTTL: 10 * time.Second,

		KafkaEventsTopic:        kafka.TopicRentalEvents,
		KafkaConfirmationsTopic: kafka.TopicPaymentConfirmations,
		KafkaDLQTopic:           kafka.TopicDeadLetterQueue,
		KafkaGroupID:            "rms-payment-confirmations",
		KafkaMaxRetries:         3,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxStaleAfter:   5 * time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		IdempotencyStaleAfter:       15 * time.Minute,

		ReconcileSpec: inventory.DefaultReconcileSpec,

		JWTIssuer: "rms",
	}
}
