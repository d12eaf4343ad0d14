// Package availability отвечает на вопрос "свободна ли единица на окно".
// Источник истины: пересечение активных аренд; грубый статус единицы
// используется только как предфильтр.
package availability

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// Resolver вычисляет доступность единиц.
type Resolver struct {
	units   domain.UnitRepository
	rentals domain.RentalRepository
	logger  *log.Entry
}

// NewResolver создаёт резолвер доступности.
func NewResolver(units domain.UnitRepository, rentals domain.RentalRepository, logger *log.Entry) *Resolver {
	if logger == nil {
		logger = log.New().WithField("component", "availability")
	}
	return &Resolver{units: units, rentals: rentals, logger: logger}
}

// IsFree возвращает false, если на единице есть pending/ongoing аренда, пересекающая окно.
func (r *Resolver) IsFree(ctx context.Context, unitID int64, window domain.Window) (bool, error) {
	if err := window.Validate(); err != nil {
		return false, domain.NewValidationError("window", err)
	}
	if _, err := r.units.Get(ctx, unitID); err != nil {
		return false, err
	}

	overlapping, err := r.rentals.FindOverlapping(ctx, []int64{unitID}, window)
	if err != nil {
		return false, fmt.Errorf("find overlapping rentals for unit %d: %w", unitID, err)
	}
	return len(overlapping) == 0, nil
}

// FreeUnits возвращает единицы модели в точке выдачи со статусом available,
// не занятые на окно, в порядке "лучшие первыми". Пустой результат не ошибка.
func (r *Resolver) FreeUnits(ctx context.Context, catalogID int64, location string, window domain.Window) ([]domain.Unit, error) {
	if err := window.Validate(); err != nil {
		return nil, domain.NewValidationError("window", err)
	}

	units, err := r.units.ListByCatalogLocation(ctx, catalogID, location)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	candidates := make([]domain.Unit, 0, len(units))
	ids := make([]int64, 0, len(units))
	for _, unit := range units {
		if unit.Status != domain.UnitStatusAvailable {
			continue
		}
		candidates = append(candidates, unit)
		ids = append(ids, unit.ID)
	}
	if len(candidates) == 0 {
		return []domain.Unit{}, nil
	}

	overlapping, err := r.rentals.FindOverlapping(ctx, ids, window)
	if err != nil {
		return nil, fmt.Errorf("find overlapping rentals: %w", err)
	}
	busy := make(map[int64]int64, len(overlapping))
	for _, rental := range overlapping {
		busy[rental.UnitID] = rental.ID
	}

	free := make([]domain.Unit, 0, len(candidates))
	for _, unit := range candidates {
		if rentalID, taken := busy[unit.ID]; taken {
			// статус available, но окно занято: кэш разошёлся с арендами
			r.logger.WithFields(log.Fields{
				"unit_id":   unit.ID,
				"rental_id": rentalID,
				"window":    window.String(),
			}).Warn("coarse unit status diverges from rentals")
			continue
		}
		free = append(free, unit)
	}

	domain.SortForAllocation(free)
	return free, nil
}

// Query: запрос внешней операции проверки доступности.
// Задаётся либо UnitID, либо пара CatalogID + Location.
type Query struct {
	UnitID    int64
	CatalogID int64
	Location  string
	Window    domain.Window
}

// Result хранит ответ CheckAvailability. Free для запроса по единице, Units для запроса по модели.
type Result struct {
	Free  *bool
	Units []domain.Unit
}

// CheckAvailability: внешняя операция "проверить доступность".
func (r *Resolver) CheckAvailability(ctx context.Context, q Query) (Result, error) {
	switch {
	case q.UnitID > 0:
		free, err := r.IsFree(ctx, q.UnitID, q.Window)
		if err != nil {
			return Result{}, err
		}
		return Result{Free: &free}, nil
	case q.CatalogID > 0:
		if q.Location == "" {
			return Result{}, domain.NewValidationError("location", domain.ErrLocationRequired)
		}
		units, err := r.FreeUnits(ctx, q.CatalogID, q.Location, q.Window)
		if err != nil {
			return Result{}, err
		}
		return Result{Units: units}, nil
	default:
		return Result{}, domain.NewValidationError("unit_id", errors.New("either unit_id or catalog_id is required"))
	}
}
