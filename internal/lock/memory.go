// Package lock даёт взаимное исключение по единице техники на время
// проверки свободности и создания аренды.
package lock

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// MemoryLocker: блокировки в пределах одного процесса.
// Канал ёмкости 1 на единицу позволяет ждать с учётом контекста. Слот живёт,
// пока у единицы есть владелец или ожидающие.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker создаёт локер в памяти.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[int64]*slot)}
}

// Lock ждёт освобождения единицы или отмены контекста.
func (l *MemoryLocker) Lock(ctx context.Context, unitID int64) (func(), error) {
	s := l.acquire(unitID)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(unitID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(unitID, s)
		})
	}, nil
}

func (l *MemoryLocker) acquire(unitID int64) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[unitID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[unitID] = s
	}
	s.refs++
	return s
}

func (l *MemoryLocker) release(unitID int64, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, unitID)
	}
}

var _ domain.UnitLocker = (*MemoryLocker)(nil)
