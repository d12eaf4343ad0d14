package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// TransactionRepository хранит транзакции в памяти с уникальным transaction_code.
type TransactionRepository struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]domain.Transaction
	byCode map[string]int64
}

// NewTransactionRepository создаёт пустой репозиторий транзакций.
func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{
		byID:   make(map[int64]domain.Transaction),
		byCode: make(map[string]int64),
	}
}

func (r *TransactionRepository) Create(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[tx.TransactionCode]; exists {
		return domain.Transaction{}, domain.ErrTransactionCodeExists
	}

	r.nextID++
	now := time.Now().UTC()
	tx.ID = r.nextID
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Metadata = cloneMetadata(tx.Metadata)
	r.byID[tx.ID] = tx
	r.byCode[tx.TransactionCode] = tx.ID
	return cloneTransaction(tx), nil
}

func (r *TransactionRepository) Get(_ context.Context, id int64) (domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.byID[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (r *TransactionRepository) GetByCode(_ context.Context, code string) (domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return cloneTransaction(r.byID[id]), nil
}

func (r *TransactionRepository) UpdateStatus(_ context.Context, id int64, from, to domain.TransactionStatus) (domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.byID[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	if tx.Status != from {
		return cloneTransaction(tx), domain.ErrTransactionStatusConflict
	}
	tx.Status = to
	tx.UpdatedAt = time.Now().UTC()
	r.byID[id] = tx
	return cloneTransaction(tx), nil
}

func cloneTransaction(tx domain.Transaction) domain.Transaction {
	tx.Metadata = cloneMetadata(tx.Metadata)
	return tx
}

func cloneMetadata(md domain.TransactionMetadata) domain.TransactionMetadata {
	md.RentalIDs = append([]int64(nil), md.RentalIDs...)
	if md.PromoCode != nil {
		code := *md.PromoCode
		md.PromoCode = &code
	}
	return md
}

var _ domain.TransactionRepository = (*TransactionRepository)(nil)
