package domain

import (
	"sort"
	"time"
)

// UnitStatus: грубый статус единицы техники. Это кэш, а не источник истины:
// занятость во времени определяется только проверкой пересечения аренд.
type UnitStatus string

const (
	UnitStatusAvailable   UnitStatus = "available"
	UnitStatusRented      UnitStatus = "rented"
	UnitStatusMaintenance UnitStatus = "maintenance"
	UnitStatusRetired     UnitStatus = "retired"
)

// Cacheable сообщает, управляется ли статус реконсиляцией (available/rented).
// maintenance и retired выставляются вручную и не перетираются.
func (s UnitStatus) Cacheable() bool {
	return s == UnitStatusAvailable || s == UnitStatusRented
}

// CatalogItem: модель техники, цена задаётся за сутки.
type CatalogItem struct {
	ID             int64
	Brand          string
	Model          string
	Type           string
	DailyRateMinor int64
}

// Unit: конкретная физическая единица каталога.
type Unit struct {
	ID              int64
	CatalogID       int64
	LicensePlate    string
	Location        string
	Status          UnitStatus
	ConditionRating int
	OdometerKm      int64
	UpdatedAt       time.Time
}

// SortForAllocation упорядочивает единицы по политике "сначала лучшие":
// рейтинг состояния по убыванию, затем пробег по возрастанию, затем ID.
func SortForAllocation(units []Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.ConditionRating != b.ConditionRating {
			return a.ConditionRating > b.ConditionRating
		}
		if a.OdometerKm != b.OdometerKm {
			return a.OdometerKm < b.OdometerKm
		}
		return a.ID < b.ID
	})
}
