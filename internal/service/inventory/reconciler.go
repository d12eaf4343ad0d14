package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// DefaultReconcileSpec: каждые 5 минут (cron с секундами).
const DefaultReconcileSpec = "0 */5 * * * *"

// ReconcileResult: итог одного прохода реконсиляции.
type ReconcileResult struct {
	Checked   int
	Corrected int
}

// Reconciler по расписанию пересчитывает грубый статус единиц из аренд:
// активная аренда, покрывающая текущий момент → rented, иначе available.
type Reconciler struct {
	units   domain.UnitRepository
	rentals domain.RentalRepository
	spec    string
	now     func() time.Time
	logger  *log.Entry
}

// NewReconciler создаёт реконсилятор; пустой spec → DefaultReconcileSpec.
func NewReconciler(units domain.UnitRepository, rentals domain.RentalRepository, spec string, logger *log.Entry) *Reconciler {
	if logger == nil {
		logger = log.New().WithField("component", "inventory-reconciler")
	}
	if spec == "" {
		spec = DefaultReconcileSpec
	}
	return &Reconciler{
		units:   units,
		rentals: rentals,
		spec:    spec,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Start регистрирует задачу в cron и блокируется до отмены контекста.
func (r *Reconciler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
	)

	if _, err := c.AddFunc(r.spec, func() {
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.WithError(err).Warn("unit status reconciliation failed")
		}
	}); err != nil {
		return fmt.Errorf("register reconcile job %q: %w", r.spec, err)
	}

	r.logger.WithField("spec", r.spec).Info("unit status reconciler started")
	c.Start()

	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	r.logger.Info("unit status reconciler stopped")
	return nil
}

// Reconcile выполняет один проход и возвращает количество исправленных единиц.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	now := r.now()

	active, err := r.rentals.ListActiveAt(ctx, now)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list active rentals: %w", err)
	}
	occupied := make(map[int64]struct{}, len(active))
	for _, rental := range active {
		occupied[rental.UnitID] = struct{}{}
	}

	units, err := r.units.List(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list units: %w", err)
	}

	var result ReconcileResult
	for _, unit := range units {
		if !unit.Status.Cacheable() {
			continue
		}
		result.Checked++

		want := domain.UnitStatusAvailable
		if _, ok := occupied[unit.ID]; ok {
			want = domain.UnitStatusRented
		}
		if unit.Status == want {
			continue
		}

		r.logger.WithFields(log.Fields{
			"unit_id": unit.ID,
			"cached":  unit.Status,
			"actual":  want,
		}).Warn("coarse unit status diverged, correcting")

		if err := r.units.UpdateStatus(ctx, unit.ID, want); err != nil {
			r.logger.WithError(err).WithField("unit_id", unit.ID).Warn("correct unit status failed")
			continue
		}
		result.Corrected++
	}

	return result, nil
}
