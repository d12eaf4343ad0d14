package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

const unitColumns = `id, catalog_id, license_plate, location, status, condition_rating, odometer_km, updated_at`

type unitRepository struct {
	db *sql.DB
}

// NewUnitRepository создаёт PostgreSQL-реализацию UnitRepository.
func NewUnitRepository(store *Store) domain.UnitRepository {
	return &unitRepository{db: store.DB()}
}

func (r *unitRepository) Get(ctx context.Context, id int64) (domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	unit, err := scanUnit(r.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Unit{}, domain.ErrUnitNotFound
		}
		return domain.Unit{}, fmt.Errorf("get unit %d: %w", id, err)
	}
	return unit, nil
}

func (r *unitRepository) ListByCatalogLocation(ctx context.Context, catalogID int64, location string) ([]domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM units
		WHERE catalog_id = $1 AND location = $2
		ORDER BY id
	`, catalogID, location)
	if err != nil {
		return nil, fmt.Errorf("list units by catalog/location: %w", err)
	}
	return collectUnits(rows)
}

func (r *unitRepository) List(ctx context.Context) ([]domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM units ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return collectUnits(rows)
}

func (r *unitRepository) UpdateStatus(ctx context.Context, id int64, status domain.UnitStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE units SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update unit %d status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unit rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrUnitNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (domain.Unit, error) {
	var (
		unit   domain.Unit
		status string
	)
	if err := row.Scan(
		&unit.ID,
		&unit.CatalogID,
		&unit.LicensePlate,
		&unit.Location,
		&status,
		&unit.ConditionRating,
		&unit.OdometerKm,
		&unit.UpdatedAt,
	); err != nil {
		return domain.Unit{}, err
	}
	unit.Status = domain.UnitStatus(status)
	return unit, nil
}

func collectUnits(rows *sql.Rows) ([]domain.Unit, error) {
	defer rows.Close()

	result := make([]domain.Unit, 0)
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		result = append(result, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return result, nil
}

type catalogService struct {
	db *sql.DB
}

// NewCatalogService читает модели из таблицы catalog_items.
func NewCatalogService(store *Store) domain.CatalogService {
	return &catalogService{db: store.DB()}
}

func (c *catalogService) GetCatalogItem(ctx context.Context, id int64) (domain.CatalogItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var item domain.CatalogItem
	err := c.db.QueryRowContext(ctx, `
		SELECT id, brand, model, type, daily_rate_minor
		FROM catalog_items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.Brand, &item.Model, &item.Type, &item.DailyRateMinor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CatalogItem{}, domain.ErrCatalogItemNotFound
		}
		return domain.CatalogItem{}, fmt.Errorf("get catalog item %d: %w", id, err)
	}
	return item, nil
}

type promotionService struct {
	db *sql.DB
}

// NewPromotionService читает промокоды из таблицы promotions.
func NewPromotionService(store *Store) domain.PromotionService {
	return &promotionService{db: store.DB()}
}

func (p *promotionService) Lookup(ctx context.Context, code string) (domain.Promotion, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		promo          domain.Promotion
		validFrom, end sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT code, discount_percent, valid_from, valid_to, active
		FROM promotions
		WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code))).Scan(&promo.Code, &promo.DiscountPercent, &validFrom, &end, &promo.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Promotion{}, domain.ErrPromotionNotFound
		}
		return domain.Promotion{}, fmt.Errorf("lookup promotion: %w", err)
	}
	if validFrom.Valid {
		promo.ValidFrom = validFrom.Time.UTC()
	}
	if end.Valid {
		promo.ValidTo = end.Time.UTC()
	}
	return promo, nil
}
