// Package inventory поддерживает грубый статус единиц (available/rented)
// в согласии с арендами.
package inventory

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// StatusSync реализует domain.InventoryService поверх UnitRepository.
// maintenance и retired выставляются вручную и не перезаписываются.
type StatusSync struct {
	units  domain.UnitRepository
	logger *log.Entry
}

// NewStatusSync создаёт синхронизатор статусов.
func NewStatusSync(units domain.UnitRepository, logger *log.Entry) *StatusSync {
	if logger == nil {
		logger = log.New().WithField("component", "inventory")
	}
	return &StatusSync{units: units, logger: logger}
}

// SetUnitStatus обновляет кэш-статус единицы.
func (s *StatusSync) SetUnitStatus(ctx context.Context, unitID int64, status domain.UnitStatus) error {
	unit, err := s.units.Get(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.Status == status {
		return nil
	}
	if !unit.Status.Cacheable() {
		s.logger.WithFields(log.Fields{
			"unit_id": unitID,
			"status":  unit.Status,
		}).Debug("unit is out of service, coarse status left as is")
		return nil
	}
	if err := s.units.UpdateStatus(ctx, unitID, status); err != nil {
		return fmt.Errorf("update unit %d status: %w", unitID, err)
	}
	return nil
}

var _ domain.InventoryService = (*StatusSync)(nil)
