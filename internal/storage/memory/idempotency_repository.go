package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// IdempotencyRepository держит ключи чекаутов в памяти процесса.
type IdempotencyRepository struct {
	mu   sync.Mutex
	keys map[string]domain.IdempotencyRecord
	now  func() time.Time
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)

func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		keys: make(map[string]domain.IdempotencyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) Claim(_ context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := r.now()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, taken := r.keys[claim.Key]; taken {
		return existing, claim.Against(existing)
	}
	record := claim.Record(now)
	r.keys[claim.Key] = record
	return record, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, _, err := r.lookup(key)
	return record, err
}

func (r *IdempotencyRepository) MarkDone(_ context.Context, key string, transactionID int64) error {
	return r.transition(key, domain.IdempotencyStatusDone, transactionID, "")
}

func (r *IdempotencyRepository) MarkFailed(_ context.Context, key string, reason string) error {
	return r.transition(key, domain.IdempotencyStatusFailed, 0, reason)
}

// Release не трогает ключи в processing и done.
func (r *IdempotencyRepository) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, key, err := r.lookup(key)
	if err != nil {
		return err
	}
	if record.Status == domain.IdempotencyStatusFailed {
		delete(r.keys, key)
	}
	return nil
}

// AbandonStale обходит ключи от давно не обновлявшихся к свежим.
func (r *IdempotencyRepository) AbandonStale(_ context.Context, updatedBefore time.Time, reason string, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := r.oldestFirst(func(rec domain.IdempotencyRecord) (time.Time, bool) {
		return rec.UpdatedAt, rec.Status == domain.IdempotencyStatusProcessing && !rec.UpdatedAt.After(updatedBefore)
	}, limit)

	now := r.now()
	for _, key := range stale {
		record := r.keys[key]
		record.Status = domain.IdempotencyStatusFailed
		record.FailureReason = reason
		record.UpdatedAt = now
		r.keys[key] = record
	}
	return len(stale), nil
}

func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := r.oldestFirst(func(rec domain.IdempotencyRecord) (time.Time, bool) {
		return rec.ExpiresAt, !rec.ExpiresAt.After(before)
	}, limit)
	for _, key := range expired {
		delete(r.keys, key)
	}
	return len(expired), nil
}

// oldestFirst выбирает до limit ключей, прошедших match, по возрастанию времени.
// limit <= 0: без ограничения. Вызывается под r.mu.
func (r *IdempotencyRepository) oldestFirst(match func(domain.IdempotencyRecord) (time.Time, bool), limit int) []string {
	type candidate struct {
		key string
		at  time.Time
	}
	var found []candidate
	for key, rec := range r.keys {
		if at, ok := match(rec); ok {
			found = append(found, candidate{key: key, at: at})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	keys := make([]string, len(found))
	for i, c := range found {
		keys[i] = c.key
	}
	return keys
}

func (r *IdempotencyRepository) transition(key string, status domain.IdempotencyStatus, transactionID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, key, err := r.lookup(key)
	if err != nil {
		return err
	}
	record.Status = status
	record.FailureReason = reason
	if transactionID != 0 {
		record.TransactionID = transactionID
	}
	record.UpdatedAt = r.now()
	r.keys[key] = record
	return nil
}

// lookup вызывается под r.mu.
func (r *IdempotencyRepository) lookup(key string) (domain.IdempotencyRecord, string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, key, domain.ErrIdempotencyKeyRequired
	}
	record, ok := r.keys[key]
	if !ok {
		return domain.IdempotencyRecord{}, key, domain.ErrIdempotencyKeyNotFound
	}
	return record, key, nil
}
