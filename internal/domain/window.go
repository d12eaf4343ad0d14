package domain

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// MaxRentalDays: самая длинная аренда, которую принимает сервис.
const MaxRentalDays = 365

// Window: полуоткрытый интервал аренды [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Validate проверяет, что окно задано, End строго больше Start и аренда
// не длиннее MaxRentalDays суток.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return ErrWindowInvalid
	}
	if w.End.After(w.Start.Add(MaxRentalDays * day)) {
		return ErrWindowTooLong
	}
	return nil
}

// Overlaps реализует полуоткрытую семантику: касание границ конфликтом не считается.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && w.End.After(other.Start)
}

// Contains сообщает, попадает ли момент t в окно.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days возвращает количество оплачиваемых суток, ceil(длительность / 24h), минимум 1.
func (w Window) Days() int64 {
	d := w.End.Sub(w.Start)
	if d <= 0 {
		return 1
	}
	days := int64(d / day)
	if d%day != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return days
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}
