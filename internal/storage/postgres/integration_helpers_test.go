package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// integrationDSN берёт адрес тестовой базы из окружения; без него тесты с
// настоящим PostgreSQL пропускаются.
func integrationDSN(t *testing.T) string {
	t.Helper()

	for _, key := range []string{"RMS_POSTGRES_TEST_DSN", "RMS_POSTGRES_DSN"} {
		if dsn := strings.TrimSpace(os.Getenv(key)); dsn != "" {
			return dsn
		}
	}
	t.Skip("RMS_POSTGRES_TEST_DSN is not set")
	return ""
}

// integrationStore открывает базу и закрывает её по окончании теста.
// clean=true дополнительно накатывает схему и очищает таблицы аренды.
func integrationStore(t *testing.T, clean bool) *Store {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, integrationDSN(t), WithMaxConns(4), WithConnTimeout(2*time.Second))
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if !clean {
		return store
	}
	if _, err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `
		TRUNCATE saga_timeline, outbox_messages, idempotency_keys, rental_payments,
			transactions, rentals, promotions, units, catalog_items
		RESTART IDENTITY CASCADE
	`); err != nil {
		t.Fatalf("truncate rental tables: %v", err)
	}
	return store
}

// seedScooter заводит модель в каталоге и одну её единицу, возвращает id единицы.
func seedScooter(t *testing.T, store *Store, plate string) int64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var unitID int64
	err := store.DB().QueryRowContext(ctx, `
		WITH item AS (
			INSERT INTO catalog_items (brand, model, type, daily_rate_minor)
			VALUES ('Honda', 'Vision', 'scooter', 1000) RETURNING id
		)
		INSERT INTO units (catalog_id, license_plate, location, condition_rating, odometer_km)
		SELECT id, $1, 'center', 5, 100 FROM item
		RETURNING id
	`, plate).Scan(&unitID)
	if err != nil {
		t.Fatalf("seed scooter: %v", err)
	}
	return unitID
}
