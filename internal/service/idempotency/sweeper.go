// Package idempotency обслуживает ключи идемпотентности чекаутов: снимает
// зависшие саги и удаляет ключи с истёкшим TTL.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/metrics"
)

const (
	defaultInterval   = 10 * time.Minute
	defaultBatchSize  = 500
	defaultStaleAfter = 15 * time.Minute
	maxBatchesPerRun  = 100

	// AbandonReason пишется в failure_reason ключа, снятого по таймауту.
	AbandonReason = "checkout abandoned: no result before timeout"
)

// SweepResult: итог одного прогона.
type SweepResult struct {
	Abandoned int
	Purged    int
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

func WithLogger(logger *log.Entry) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithInterval задаёт паузу между прогонами.
func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) { s.interval = interval }
}

// WithBatchSize ограничивает число ключей, обрабатываемых одним запросом к хранилищу.
func WithBatchSize(size int) Option {
	return func(s *Sweeper) { s.batchSize = size }
}

// WithStaleAfter: через сколько ключ в processing считается брошенным.
// Должно быть заметно больше времени работы самой долгой саги.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) { s.staleAfter = d }
}

func WithMetrics(m *metrics.IdempotencyMetrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// Sweeper периодически обслуживает хранилище ключей идемпотентности.
// Брошенный ключ переводится в failed, после чего клиент может повторить
// чекаут с тем же ключом (если под ним не успела появиться транзакция).
type Sweeper struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.IdempotencyMetrics
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
}

// NewSweeper создаёт обслуживающий воркер.
func NewSweeper(repo domain.IdempotencyRepository, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:       repo,
		interval:   defaultInterval,
		batchSize:  defaultBatchSize,
		staleAfter: defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = log.WithField("component", "idempotency-sweeper")
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.staleAfter <= 0 {
		s.staleAfter = defaultStaleAfter
	}
	return s
}

// Run выполняет прогон сразу и затем каждые interval до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("idempotency sweeper disabled: no repository")
		return
	}

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	result, err := s.Sweep(ctx, now)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if s.metrics != nil {
			s.metrics.RecordSweep(false, 0)
		}
		s.logger.WithError(err).Warn("idempotency sweep failed")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(true, float64(now.Unix()))
	}
	if result.Abandoned > 0 {
		s.logger.WithField("abandoned", result.Abandoned).Warn("abandoned checkouts released")
	}
	if result.Purged > 0 {
		s.logger.WithField("purged", result.Purged).Info("expired idempotency keys purged")
	}
}

// Sweep снимает ключи, застрявшие в processing дольше staleAfter, и удаляет
// ключи с ttl <= now. Частичный результат возвращается вместе с ошибкой.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var result SweepResult
	abandoned, err := s.batched(ctx, func(ctx context.Context) (int, error) {
		return s.repo.AbandonStale(ctx, now.Add(-s.staleAfter), AbandonReason, s.batchSize)
	})
	result.Abandoned = abandoned
	if s.metrics != nil && abandoned > 0 {
		s.metrics.AddAbandoned(abandoned)
	}
	if err != nil {
		return result, fmt.Errorf("abandon stale checkouts: %w", err)
	}

	purged, err := s.batched(ctx, func(ctx context.Context) (int, error) {
		return s.repo.DeleteExpired(ctx, now, s.batchSize)
	})
	result.Purged = purged
	if s.metrics != nil && purged > 0 {
		s.metrics.AddPurged(purged)
	}
	if err != nil {
		return result, fmt.Errorf("purge expired keys: %w", err)
	}
	return result, nil
}

// batched повторяет step, пока он возвращает полный батч, но не больше maxBatchesPerRun раз.
func (s *Sweeper) batched(ctx context.Context, step func(context.Context) (int, error)) (int, error) {
	total := 0
	for batch := 0; batch < maxBatchesPerRun; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := step(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n < s.batchSize {
			break
		}
	}
	return total, nil
}
