package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

const transactionColumns = `id, user_id, amount_minor, payment_method, transaction_code, status, metadata, created_at, updated_at`

type transactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository создаёт PostgreSQL-реализацию TransactionRepository.
func NewTransactionRepository(store *Store) domain.TransactionRepository {
	return &transactionRepository{db: store.DB()}
}

func (r *transactionRepository) Create(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("marshal transaction metadata: %w", err)
	}

	now := time.Now().UTC()
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO transactions (
			user_id, amount_minor, payment_method, payment_gateway, transaction_code,
			status, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING id
	`,
		tx.UserID,
		tx.AmountMinor,
		tx.PaymentMethod.ID,
		tx.PaymentMethod.Gateway,
		tx.TransactionCode,
		string(tx.Status),
		metadata,
		now,
	).Scan(&tx.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Transaction{}, domain.ErrTransactionCodeExists
		}
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	tx.CreatedAt = now
	tx.UpdatedAt = now
	return tx, nil
}

func (r *transactionRepository) Get(ctx context.Context, id int64) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (r *transactionRepository) GetByCode(ctx context.Context, code string) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_code = $1`, code)
}

func (r *transactionRepository) UpdateStatus(ctx context.Context, id int64, from, to domain.TransactionStatus) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+transactionColumns,
		id, string(from), string(to), time.Now().UTC(),
	))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("update transaction %d status: %w", id, err)
	}

	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return domain.Transaction{}, getErr
	}
	return current, domain.ErrTransactionStatusConflict
}

func (r *transactionRepository) getOne(ctx context.Context, query string, arg any) (domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		tx       domain.Transaction
		methodID string
		status   string
		metadata []byte
	)
	if err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.AmountMinor,
		&methodID,
		&tx.TransactionCode,
		&status,
		&metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		return domain.Transaction{}, err
	}

	method, err := domain.ResolvePaymentMethod(methodID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %d: %w", tx.ID, err)
	}
	tx.PaymentMethod = method
	tx.Status = domain.TransactionStatus(status)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return domain.Transaction{}, fmt.Errorf("decode transaction %d metadata: %w", tx.ID, err)
		}
	}
	return tx, nil
}
