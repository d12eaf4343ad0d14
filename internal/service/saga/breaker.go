package saga

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// ErrCircuitOpen означает, что каталог не вызывался, потому что breaker открыт или уже идёт пробный вызов.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker отсекает вызовы каталога после maxFailures отказов подряд.
// По истечении cooldown пропускается один пробный вызов: успех закрывает
// breaker, отказ открывает его заново. Ответы "не найдено" и ошибки
// валидации отказами не считаются.
type CircuitBreaker struct {
	mu       sync.Mutex
	limit    int
	cooldown time.Duration
	logger   *log.Entry
	now      func() time.Time

	state    CircuitState
	streak   int
	openedAt time.Time
}

func NewCircuitBreaker(maxFailures int, cooldown time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	return &CircuitBreaker{
		limit:    max(maxFailures, 1),
		cooldown: max(cooldown, 0),
		logger:   logger,
		now:      time.Now,
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute вызывает fn, если breaker его пропускает.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	probe, err := cb.admit(operation)
	if err != nil {
		return err
	}
	err = fn()
	cb.record(operation, probe, err)
	return err
}

func (cb *CircuitBreaker) admit(operation string) (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return false, nil
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false, ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		return true, nil
	default:
		return false, ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) record(operation string, probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !countsAsFailure(err) {
		if probe {
			cb.logger.WithField("operation", operation).Info("circuit breaker closed")
		}
		cb.state, cb.streak = CircuitClosed, 0
		return
	}

	cb.streak++
	if probe || cb.streak >= cb.limit {
		cb.state, cb.openedAt = CircuitOpen, cb.now()
		cb.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"failures":  cb.streak,
		}).Warn("circuit breaker opened")
	}
}

func countsAsFailure(err error) bool {
	for _, benign := range []error{domain.ErrCatalogItemNotFound, domain.ErrPromotionNotFound, domain.ErrValidation} {
		if errors.Is(err, benign) {
			return false
		}
	}
	return true
}
