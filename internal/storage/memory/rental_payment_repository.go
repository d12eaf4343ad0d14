package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

type rentalPaymentKey struct {
	rentalID      int64
	transactionID int64
}

// RentalPaymentRepository хранит строки леджера; пара (аренда, транзакция) уникальна.
type RentalPaymentRepository struct {
	mu   sync.RWMutex
	rows map[rentalPaymentKey]domain.RentalPayment
}

// NewRentalPaymentRepository создаёт пустой леджер.
func NewRentalPaymentRepository() *RentalPaymentRepository {
	return &RentalPaymentRepository{rows: make(map[rentalPaymentKey]domain.RentalPayment)}
}

func (r *RentalPaymentRepository) Create(_ context.Context, row domain.RentalPayment) error {
	key := rentalPaymentKey{rentalID: row.RentalID, transactionID: row.TransactionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows[key]; exists {
		return domain.ErrRentalPaymentExists
	}
	r.rows[key] = row
	return nil
}

func (r *RentalPaymentRepository) ListByTransaction(_ context.Context, transactionID int64) ([]domain.RentalPayment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.RentalPayment, 0)
	for key, row := range r.rows {
		if key.transactionID == transactionID {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RentalID < result[j].RentalID })
	return result, nil
}

var _ domain.RentalPaymentRepository = (*RentalPaymentRepository)(nil)
