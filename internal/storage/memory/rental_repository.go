package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// RentalRepository хранит аренды в памяти. Проверка пересечения и вставка
// выполняются под одной блокировкой, что повторяет exclusion constraint в Postgres.
type RentalRepository struct {
	mu      sync.RWMutex
	nextID  int64
	rentals map[int64]domain.Rental
}

// NewRentalRepository создаёт пустой репозиторий аренд.
func NewRentalRepository() *RentalRepository {
	return &RentalRepository{rentals: make(map[int64]domain.Rental)}
}

func (r *RentalRepository) Create(_ context.Context, rental domain.Rental) (domain.Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rental.Status.IsActive() {
		for _, existing := range r.rentals {
			if existing.UnitID == rental.UnitID && existing.Status.IsActive() && existing.Window.Overlaps(rental.Window) {
				return domain.Rental{}, domain.ErrRentalOverlap
			}
		}
	}

	r.nextID++
	now := time.Now().UTC()
	rental.ID = r.nextID
	rental.CreatedAt = now
	rental.UpdatedAt = now
	r.rentals[rental.ID] = rental
	return rental, nil
}

func (r *RentalRepository) Get(_ context.Context, id int64) (domain.Rental, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rental, ok := r.rentals[id]
	if !ok {
		return domain.Rental{}, domain.ErrRentalNotFound
	}
	return rental, nil
}

func (r *RentalRepository) UpdateStatus(_ context.Context, id int64, from, to domain.RentalStatus) (domain.Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rental, ok := r.rentals[id]
	if !ok {
		return domain.Rental{}, domain.ErrRentalNotFound
	}
	if rental.Status != from {
		return rental, domain.ErrRentalStatusConflict
	}
	rental.Status = to
	rental.UpdatedAt = time.Now().UTC()
	r.rentals[id] = rental
	return rental, nil
}

func (r *RentalRepository) FindOverlapping(_ context.Context, unitIDs []int64, window domain.Window) ([]domain.Rental, error) {
	wanted := make(map[int64]struct{}, len(unitIDs))
	for _, id := range unitIDs {
		wanted[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Rental, 0)
	for _, rental := range r.rentals {
		if _, ok := wanted[rental.UnitID]; !ok {
			continue
		}
		if rental.Status.IsActive() && rental.Window.Overlaps(window) {
			result = append(result, rental)
		}
	}
	sortRentalsByID(result)
	return result, nil
}

func (r *RentalRepository) ListActiveAt(_ context.Context, at time.Time) ([]domain.Rental, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Rental, 0)
	for _, rental := range r.rentals {
		if rental.Status.IsActive() && rental.Window.Contains(at) {
			result = append(result, rental)
		}
	}
	sortRentalsByID(result)
	return result, nil
}

func sortRentalsByID(rentals []domain.Rental) {
	sort.Slice(rentals, func(i, j int) bool { return rentals[i].ID < rentals[j].ID })
}

var _ domain.RentalRepository = (*RentalRepository)(nil)
