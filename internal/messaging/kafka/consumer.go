package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConsumerRetries = 3
	defaultRetryDelay      = 200 * time.Millisecond
	maxConsumerRetryDelay  = 10 * time.Second
)

// ErrNonRetryable помечает ошибку обработки, повтор которой бессмыслен.
var ErrNonRetryable = errors.New("non-retryable message")

// errUndelivered возвращается из ConsumeClaim, когда сообщение не обработано и
// его некуда отложить: сессия перезапускается с последнего подтверждённого смещения.
var errUndelivered = errors.New("message left unprocessed")

// MessageHandler обрабатывает сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerDeadLetter: тело сообщения, которое consumer кладёт в DLQ.
type ConsumerDeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Error             string    `json:"error"`
	Attempts          int       `json:"attempts"`
	FailedAt          time.Time `json:"failed_at"`
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithDeadLetter включает DLQ: необработанное сообщение уходит в topic и подтверждается.
func WithDeadLetter(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = producer
		if topic != "" {
			c.dlqTopic = topic
		}
	}
}

// WithMaxRetries: общее число попыток с учётом заголовка x-retry-count.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = n }
}

func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = d }
}

// Consumer читает топики consumer group и передаёт сообщения handler.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	dlq        *Producer
	dlqTopic   string
	maxRetries int
	retryDelay time.Duration
	wg         sync.WaitGroup
}

// NewConsumer создаёт consumer group groupID на topics.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		dlqTopic:   TopicDeadLetterQueue,
		maxRetries: defaultConsumerRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "kafka-consumer")
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	if c.retryDelay < 0 {
		c.retryDelay = 0
	}
	return c
}

// Start запускает чтение в фоне до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithFields(log.Fields{
		"topics": c.topics,
		"dlq":    c.dlq != nil,
	}).Info("kafka consumer started")
	return nil
}

// consumeLoop переподключается после каждого rebalance и после сбоя сессии.
func (c *Consumer) consumeLoop(ctx context.Context) {
	failures := 0
	for {
		err := c.group.Consume(ctx, c.topics, c)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err == nil {
			failures = 0
			continue
		}

		failures++
		delay := c.backoff(failures)
		c.logger.WithError(err).WithField("retry_in", delay).Error("consumer session failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stop закрывает group и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает partition по порядку. Сообщение подтверждается,
// если обработано или отложено в DLQ; иначе сессия прерывается, и оно
// будет прочитано снова.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			logger := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			if err := c.process(ctx, message, logger); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(err).Error("message processing failed after all retries")
				return fmt.Errorf("%w: %s/%d@%d", errUndelivered, message.Topic, message.Partition, message.Offset)
			}
			session.MarkMessage(message, "")
		}
	}
}

// process возвращает nil, если сообщение можно подтвердить.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage, logger *log.Entry) error {
	attempts, err := c.handle(ctx, message, logger)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.dlq == nil {
		return err
	}

	if dlqErr := c.deadLetter(message, attempts, err); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	logger.WithError(err).WithFields(log.Fields{
		"dlq_topic": c.dlqTopic,
		"attempts":  attempts,
	}).Warn("message sent to DLQ")
	return nil
}

// handle делает оставшиеся по x-retry-count попытки и возвращает их общее число.
func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage, logger *log.Entry) (int, error) {
	done := retryCount(message)
	remaining := max(c.maxRetries-done, 1)

	var err error
	for attempt := 1; attempt <= remaining; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return done + attempt, nil
		}
		if errors.Is(err, ErrNonRetryable) || attempt == remaining {
			return done + attempt, err
		}

		logger.WithError(err).WithFields(log.Fields{
			"attempt":     done + attempt,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		select {
		case <-ctx.Done():
			return done + attempt, ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
	return done + remaining, err
}

func (c *Consumer) backoff(attempt int) time.Duration {
	if c.retryDelay <= 0 {
		return 0
	}
	if attempt > 16 {
		return maxConsumerRetryDelay
	}
	return min(c.retryDelay<<uint(attempt-1), maxConsumerRetryDelay)
}

func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, attempts int, cause error) error {
	letter := ConsumerDeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		Error:             cause.Error(),
		Attempts:          attempts,
		FailedAt:          time.Now().UTC(),
	}
	headers := map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  cause.Error(),
		HeaderFailedAt:      letter.FailedAt.Format(time.RFC3339),
		HeaderRetryCount:    strconv.Itoa(attempts),
	}
	return c.dlq.Send(Record{Topic: c.dlqTopic, Key: string(message.Key), Value: letter, Headers: headers})
}

// retryCount читает x-retry-count; без заголовка или с мусором в нём: 0.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil && count > 0 {
			return count
		}
	}
	return 0
}
