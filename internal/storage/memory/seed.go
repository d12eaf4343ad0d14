package memory

import (
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// SeedDemo заполняет in-memory хранилища демонстрационным каталогом для локального запуска.
func SeedDemo(catalog *Catalog, units *UnitRepository, promos *Promotions) {
	catalog.Put(domain.CatalogItem{ID: 1, Brand: "Honda", Model: "Vision", Type: "scooter", DailyRateMinor: 120_000})
	catalog.Put(domain.CatalogItem{ID: 2, Brand: "Yamaha", Model: "NVX", Type: "scooter", DailyRateMinor: 180_000})

	now := time.Now().UTC()
	units.Put(domain.Unit{ID: 1, CatalogID: 1, LicensePlate: "29A-001.01", Location: "hanoi-center", Status: domain.UnitStatusAvailable, ConditionRating: 5, OdometerKm: 1200, UpdatedAt: now})
	units.Put(domain.Unit{ID: 2, CatalogID: 1, LicensePlate: "29A-001.02", Location: "hanoi-center", Status: domain.UnitStatusAvailable, ConditionRating: 4, OdometerKm: 800, UpdatedAt: now})
	units.Put(domain.Unit{ID: 3, CatalogID: 1, LicensePlate: "29A-001.03", Location: "hanoi-center", Status: domain.UnitStatusMaintenance, ConditionRating: 5, OdometerKm: 300, UpdatedAt: now})
	units.Put(domain.Unit{ID: 4, CatalogID: 2, LicensePlate: "29A-002.01", Location: "hanoi-center", Status: domain.UnitStatusAvailable, ConditionRating: 5, OdometerKm: 5000, UpdatedAt: now})

	promos.Put(domain.Promotion{Code: "WELCOME10", DiscountPercent: 10, ValidFrom: now.Add(-24 * time.Hour), ValidTo: now.AddDate(1, 0, 0), Active: true})
}
