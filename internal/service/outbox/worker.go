// Package outbox переносит события аренд, транзакций и запросов заказов из
// transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

var (
	relayResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rms_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by aggregate type and result.",
	}, []string{"aggregate_type", "result"})
	relayBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rms_outbox_pending_records",
		Help: "Pending records in the transactional outbox.",
	})
	relayBacklogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rms_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// DeadLetter: конверт, с которым сообщение уходит в DLQ.
// cmd/dlq-reprocess разбирает те же поля.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithDLQPublisher задаёт получателя сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

func WithBatchSize(size int) Option {
	return func(w *Worker) { w.batchSize = size }
}

// WithMaxAttempts: сколько раз публиковать одно сообщение за цикл.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) { w.maxAttempts = attempts }
}

// WithRetryBaseDelay задаёт первую паузу экспоненциального backoff; 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// Worker публикует pending-сообщения outbox.
//
// Сообщения одного агрегата (аренды или транзакции) уходят в порядке
// постановки: если сообщение агрегата не опубликовано, следующие сообщения
// того же агрегата в этом цикле не публикуются и остаются pending.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlq            domain.OutboxPublisher
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// CycleResult: итог одного цикла публикации.
type CycleResult struct {
	Sent     int
	Failed   int
	Deferred int
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.retryBaseDelay < 0 {
		w.retryBaseDelay = 0
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	w.logger.WithFields(log.Fields{
		"poll_interval": w.pollInterval,
		"batch_size":    w.batchSize,
		"dlq":           w.dlq != nil,
	}).Info("outbox worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.logCycle(w.ProcessOnce(ctx))
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce выполняет один цикл публикации.
func (w *Worker) ProcessOnce(ctx context.Context) CycleResult {
	var result CycleResult
	if ctx.Err() != nil {
		return result
	}

	defer w.refreshBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return result
	}

	blocked := make(map[string]struct{})
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		key := msg.OrderingKey()
		if _, ok := blocked[key]; ok {
			result.Deferred++
			continue
		}

		switch w.deliver(ctx, msg) {
		case deliverySent:
			result.Sent++
		case deliveryDeadLettered:
			result.Failed++
			blocked[key] = struct{}{}
		case deliveryInterrupted:
			blocked[key] = struct{}{}
		}
	}
	return result
}

type delivery int

const (
	deliverySent delivery = iota
	deliveryDeadLettered
	deliveryInterrupted
)

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) delivery {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":      msg.ID,
		"aggregate_type": msg.AggregateType,
		"aggregate_id":   msg.AggregateID,
		"event_type":     msg.EventType,
	})

	attempts, err := w.publish(ctx, msg)
	if err == nil {
		if markErr := w.repo.MarkSent(ctx, msg.ID); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark outbox as sent")
		}
		return deliverySent
	}
	if ctx.Err() != nil {
		// остаётся pending, следующий цикл возьмёт его снова
		return deliveryInterrupted
	}

	logger.WithError(err).WithField("attempts", attempts).Error("outbox publish failed after retries")
	relayResults.WithLabelValues(msg.AggregateType, "failed").Inc()

	if dlqErr := w.deadLetter(msg, attempts, err); dlqErr != nil {
		logger.WithError(dlqErr).Warn("failed to publish to DLQ")
		relayResults.WithLabelValues(msg.AggregateType, "dlq_failed").Inc()
	}
	if markErr := w.repo.MarkFailed(ctx, msg.ID); markErr != nil {
		logger.WithError(markErr).Warn("failed to mark outbox as failed")
	}
	return deliveryDeadLettered
}

// publish возвращает число сделанных попыток и последнюю ошибку.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = w.publisher.Publish(msg)
		if lastErr == nil {
			relayResults.WithLabelValues(msg.AggregateType, "sent").Inc()
			return attempt, nil
		}
		relayResults.WithLabelValues(msg.AggregateType, "retry_error").Inc()

		if attempt >= w.maxAttempts {
			return attempt, fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, attempt, lastErr)
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// retryBackoff: base, 2*base, 4*base... не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return maxRetryDelay
	}
	delay := w.retryBaseDelay << uint(attempt-1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (w *Worker) deadLetter(msg domain.OutboxMessage, attempts int, cause error) error {
	if w.dlq == nil {
		return nil
	}

	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			return fmt.Errorf("quote dlq payload: %w", err)
		}
		payload = quoted
	}

	body, err := json.Marshal(DeadLetter{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        payload,
		PublishError:   cause.Error(),
		Attempts:       attempts,
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	letter := msg
	letter.Payload = body
	if err := w.dlq.Publish(letter); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	relayBacklog.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		relayBacklogAge.Set(0)
		return
	}
	relayBacklogAge.Set(max(time.Since(stats.OldestPendingAt).Seconds(), 0))
}

func (w *Worker) logCycle(result CycleResult) {
	if result.Failed == 0 && result.Deferred == 0 {
		if result.Sent > 0 {
			w.logger.WithField("sent", result.Sent).Debug("outbox cycle finished")
		}
		return
	}
	w.logger.WithFields(log.Fields{
		"sent":     result.Sent,
		"failed":   result.Failed,
		"deferred": result.Deferred,
	}).Warn("outbox cycle finished with undelivered messages")
}
