package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// UnitRepository хранит единицы техники в памяти.
type UnitRepository struct {
	mu    sync.RWMutex
	units map[int64]domain.Unit
}

// NewUnitRepository создаёт репозиторий, опционально заполненный единицами.
func NewUnitRepository(units ...domain.Unit) *UnitRepository {
	repo := &UnitRepository{units: make(map[int64]domain.Unit, len(units))}
	for _, unit := range units {
		repo.units[unit.ID] = unit
	}
	return repo
}

// Put добавляет или заменяет единицу.
func (r *UnitRepository) Put(unit domain.Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[unit.ID] = unit
}

func (r *UnitRepository) Get(_ context.Context, id int64) (domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	unit, ok := r.units[id]
	if !ok {
		return domain.Unit{}, domain.ErrUnitNotFound
	}
	return unit, nil
}

func (r *UnitRepository) ListByCatalogLocation(_ context.Context, catalogID int64, location string) ([]domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Unit, 0)
	for _, unit := range r.units {
		if unit.CatalogID == catalogID && unit.Location == location {
			result = append(result, unit)
		}
	}
	sortUnitsByID(result)
	return result, nil
}

func (r *UnitRepository) List(_ context.Context) ([]domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Unit, 0, len(r.units))
	for _, unit := range r.units {
		result = append(result, unit)
	}
	sortUnitsByID(result)
	return result, nil
}

func (r *UnitRepository) UpdateStatus(_ context.Context, id int64, status domain.UnitStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unit, ok := r.units[id]
	if !ok {
		return domain.ErrUnitNotFound
	}
	unit.Status = status
	unit.UpdatedAt = time.Now().UTC()
	r.units[id] = unit
	return nil
}

func sortUnitsByID(units []domain.Unit) {
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
}

var _ domain.UnitRepository = (*UnitRepository)(nil)
