package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

type rentalPaymentRepository struct {
	db *sql.DB
}

// NewRentalPaymentRepository создаёт PostgreSQL-реализацию леджера rental_payments.
func NewRentalPaymentRepository(store *Store) domain.RentalPaymentRepository {
	return &rentalPaymentRepository{db: store.DB()}
}

func (r *rentalPaymentRepository) Create(ctx context.Context, row domain.RentalPayment) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rental_payments (rental_id, transaction_id, amount_minor, created_at)
		VALUES ($1,$2,$3,$4)
	`, row.RentalID, row.TransactionID, row.AmountMinor, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrRentalPaymentExists
		}
		return fmt.Errorf("insert rental payment: %w", err)
	}
	return nil
}

func (r *rentalPaymentRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]domain.RentalPayment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT rental_id, transaction_id, amount_minor
		FROM rental_payments
		WHERE transaction_id = $1
		ORDER BY rental_id
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list rental payments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RentalPayment, 0)
	for rows.Next() {
		var row domain.RentalPayment
		if err := rows.Scan(&row.RentalID, &row.TransactionID, &row.AmountMinor); err != nil {
			return nil, fmt.Errorf("scan rental payment: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rental payments: %w", err)
	}
	return result, nil
}
