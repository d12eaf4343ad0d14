package app

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rms/internal/service/outbox"
)

// messaging связывает сервис с Kafka: outbox worker публикует события аренд,
// consumer принимает подтверждения оплат. Без брокеров оба выключены, а
// события копятся в outbox до появления Kafka.
type messaging struct {
	cfg      Config
	brokers  []string
	producer *kafka.Producer
	consumer *kafka.Consumer
	logger   *log.Entry
}

func newMessaging(cfg Config, logger *log.Entry) *messaging {
	m := &messaging{cfg: cfg, brokers: splitBrokers(cfg.KafkaBrokers), logger: logger}
	if len(m.brokers) == 0 {
		logger.Info("kafka is not configured, outbox events stay pending")
		return m
	}

	producer, err := kafka.NewProducer(m.brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).WithField("brokers", m.brokers).Warn("kafka is unreachable, outbox events stay pending")
		return m
	}
	m.producer = producer
	logger.WithField("brokers", m.brokers).Info("kafka producer initialized")
	return m
}

func (m *messaging) enabled() bool { return m.producer != nil }

// relay возвращает outbox worker или nil, если Kafka недоступна.
func (m *messaging) relay(repo domain.OutboxRepository) *outbox.Worker {
	if !m.enabled() {
		return nil
	}
	return outbox.NewWorker(
		repo,
		kafka.NewOutboxPublisher(m.producer, m.cfg.KafkaEventsTopic),
		outbox.WithLogger(m.logger.WithField("component", "outbox-worker")),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(m.producer, m.cfg.KafkaDLQTopic)),
		outbox.WithPollInterval(m.cfg.OutboxPollInterval),
		outbox.WithBatchSize(m.cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(m.cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(m.cfg.OutboxRetryDelay),
	)
}

// consume подписывает handler на топик подтверждений оплат. Ошибка создания
// consumer group не фатальна: подтверждения можно доставить позже.
func (m *messaging) consume(ctx context.Context, handler kafka.MessageHandler) error {
	if !m.enabled() {
		return nil
	}
	consumer, err := kafka.NewConsumer(
		m.brokers,
		m.cfg.KafkaGroupID,
		[]string{m.cfg.KafkaConfirmationsTopic},
		handler,
		kafka.WithDeadLetter(m.producer, m.cfg.KafkaDLQTopic),
		kafka.WithMaxRetries(m.cfg.KafkaMaxRetries),
		kafka.WithConsumerLogger(m.logger.WithField("component", "kafka-consumer")),
	)
	if err != nil {
		m.logger.WithError(err).Warn("failed to create kafka consumer, payment confirmations disabled")
		return nil
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	m.consumer = consumer
	return nil
}

// stopConsumer вызывается до ожидания воркеров: handler пишет в хранилище.
func (m *messaging) stopConsumer() {
	if m.consumer == nil {
		return
	}
	if err := m.consumer.Stop(); err != nil {
		m.logger.WithError(err).Warn("failed to stop kafka consumer")
	}
	m.consumer = nil
}

func (m *messaging) close() {
	m.stopConsumer()
	if m.producer == nil {
		return
	}
	if err := m.producer.Close(); err != nil {
		m.logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	m.logger.Info("kafka producer closed")
}

func splitBrokers(raw string) []string {
	var brokers []string
	for part := range strings.SplitSeq(raw, ",") {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
