package domain

import "time"

// Promotion: промокод со скидкой в процентах. Только чтение для этого сервиса.
type Promotion struct {
	Code            string
	DiscountPercent int64
	ValidFrom       time.Time
	ValidTo         time.Time
	Active          bool
}

// ValidAt сообщает, применим ли промокод в момент at.
func (p Promotion) ValidAt(at time.Time) bool {
	if !p.Active || p.DiscountPercent <= 0 || p.DiscountPercent > 100 {
		return false
	}
	if !p.ValidFrom.IsZero() && at.Before(p.ValidFrom) {
		return false
	}
	if !p.ValidTo.IsZero() && at.After(p.ValidTo) {
		return false
	}
	return true
}
