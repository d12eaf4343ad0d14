package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

const (
	defaultLockTTL   = 10 * time.Second
	defaultRetryWait = 25 * time.Millisecond
	defaultKeyPrefix = "rms:unit_lock"
)

// ErrLockNotAcquired: единицу не удалось заблокировать до истечения контекста.
var ErrLockNotAcquired = errors.New("unit lock not acquired")

// Снимаем блокировку, только если она всё ещё наша.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker: распределённая блокировка единиц между репликами сервиса.
type RedisLocker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	logger    *log.Entry
}

// RedisOption настраивает RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL задаёт время жизни ключа блокировки.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryWait задаёт паузу между попытками захвата.
func WithRetryWait(wait time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if wait > 0 {
			l.retryWait = wait
		}
	}
}

// NewRedisLocker создаёт локер поверх Redis.
func NewRedisLocker(client redis.UniversalClient, prefix string, logger *log.Entry, opts ...RedisOption) *RedisLocker {
	if logger == nil {
		logger = log.New().WithField("component", "unit-lock")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	l := &RedisLocker{
		client:    client,
		prefix:    prefix,
		ttl:       defaultLockTTL,
		retryWait: defaultRetryWait,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock захватывает ключ SET NX PX со случайным токеном. Попытки идут не чаще
// одной за retryWait, пока не истечёт контекст.
func (l *RedisLocker) Lock(ctx context.Context, unitID int64) (func(), error) {
	key := fmt.Sprintf("%s:%d", l.prefix, unitID)
	token := uuid.NewString()
	pace := rate.NewLimiter(rate.Every(l.retryWait), 1)

	for {
		if err := pace.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: unit %d: %w", ErrLockNotAcquired, unitID, err)
		}
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: unit %d: %w", ErrLockNotAcquired, unitID, ctxErr)
			}
			return nil, domain.NewUpstreamError("redis", err)
		}
		if ok {
			break
		}
	}

	return func() {
		// Освобождаем даже если контекст запроса уже отменён.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.WithError(err).WithField("unit_id", unitID).Warn("release unit lock failed")
		}
	}, nil
}

var _ domain.UnitLocker = (*RedisLocker)(nil)
