package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/lock"
	"github.com/vladislavdragonenkov/rms/internal/service/availability"
	"github.com/vladislavdragonenkov/rms/internal/service/inventory"
	"github.com/vladislavdragonenkov/rms/internal/service/ledger"
	"github.com/vladislavdragonenkov/rms/internal/service/payment"
	"github.com/vladislavdragonenkov/rms/internal/storage/memory"
)

const (
	catalogSedan = int64(1)
	catalogVan   = int64(2)
	catalogBike  = int64(3)
)

var pickupDay = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	units        *memory.UnitRepository
	rentals      *memory.RentalRepository
	transactions domain.TransactionRepository
	payments     domain.RentalPaymentRepository
	idempotency  domain.IdempotencyRepository
	outbox       *memory.OutboxRepository
	timeline     *recordingTimeline
	catalog      domain.CatalogService
	promotions   domain.PromotionService
	ledger       *ledger.Ledger
	payment      *payment.Service
	orch         *orchestrator
}

type fixtureOption func(*fixture)

func withTransactions(repo domain.TransactionRepository) fixtureOption {
	return func(f *fixture) { f.transactions = repo }
}

func withRentalPayments(repo domain.RentalPaymentRepository) fixtureOption {
	return func(f *fixture) { f.payments = repo }
}

func withCatalog(catalog domain.CatalogService) fixtureOption {
	return func(f *fixture) { f.catalog = catalog }
}

func withPromotions(promotions domain.PromotionService) fixtureOption {
	return func(f *fixture) { f.promotions = promotions }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		units: memory.NewUnitRepository(
			domain.Unit{ID: 101, CatalogID: catalogSedan, Location: "airport", Status: domain.UnitStatusAvailable, ConditionRating: 4, OdometerKm: 30000},
			domain.Unit{ID: 102, CatalogID: catalogSedan, Location: "airport", Status: domain.UnitStatusAvailable, ConditionRating: 5, OdometerKm: 50000},
			domain.Unit{ID: 103, CatalogID: catalogSedan, Location: "airport", Status: domain.UnitStatusAvailable, ConditionRating: 5, OdometerKm: 10000},
			domain.Unit{ID: 201, CatalogID: catalogVan, Location: "airport", Status: domain.UnitStatusAvailable, ConditionRating: 3, OdometerKm: 80000},
			domain.Unit{ID: 301, CatalogID: catalogBike, Location: "downtown", Status: domain.UnitStatusAvailable, ConditionRating: 5, OdometerKm: 100},
		),
		rentals:      memory.NewRentalRepository(),
		transactions: memory.NewTransactionRepository(),
		payments:     memory.NewRentalPaymentRepository(),
		idempotency:  memory.NewIdempotencyRepository(),
		outbox:       memory.NewOutboxRepository(),
		timeline:     &recordingTimeline{TimelineRepository: memory.NewTimelineRepository()},
		catalog: memory.NewCatalog(
			domain.CatalogItem{ID: catalogSedan, Brand: "Toyota", Model: "Camry", DailyRateMinor: 10000},
			domain.CatalogItem{ID: catalogVan, Brand: "Ford", Model: "Transit", DailyRateMinor: 7000},
			domain.CatalogItem{ID: catalogBike, Brand: "Honda", Model: "PCX", DailyRateMinor: 2500},
		),
		promotions: memory.NewPromotions(
			domain.Promotion{Code: "SUMMER15", DiscountPercent: 15, Active: true},
			domain.Promotion{Code: "OLD10", DiscountPercent: 10, Active: false},
		),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.ledger = ledger.New(f.rentals, f.payments, nil)
	f.payment = payment.NewService(f.transactions, nil, payment.WithRentals(f.ledger))
	f.orch = newOrchestrator(Deps{
		Catalog:      f.catalog,
		Promotions:   f.promotions,
		Availability: availability.NewResolver(f.units, f.rentals, nil),
		Ledger:       f.ledger,
		Payments:     f.payment,
		Inventory:    inventory.NewStatusSync(f.units, nil),
		Locker:       lock.NewMemoryLocker(),
		Idempotency:  f.idempotency,
		Outbox:       f.outbox,
		Timeline:     f.timeline,
	})
	return f
}

func window(startOffset, duration time.Duration) domain.Window {
	start := pickupDay.Add(startOffset)
	return domain.Window{Start: start, End: start.Add(duration)}
}

func sedanRequest(quantity int) CheckoutRequest {
	return CheckoutRequest{
		UserID: 7,
		Cart: domain.Cart{Items: []domain.CartItem{
			{CatalogID: catalogSedan, Quantity: quantity, Location: "airport", Window: window(0, 24*time.Hour)},
		}},
		PaymentMethodID: "cod",
	}
}

func (f *fixture) rental(t *testing.T, id int64) domain.Rental {
	t.Helper()
	rental, err := f.rentals.Get(context.Background(), id)
	require.NoError(t, err)
	return rental
}

func (f *fixture) unitStatus(t *testing.T, id int64) domain.UnitStatus {
	t.Helper()
	unit, err := f.units.Get(context.Background(), id)
	require.NoError(t, err)
	return unit.Status
}

// allRentals возвращает все аренды по id начиная с 1.
func (f *fixture) allRentals(t *testing.T) []domain.Rental {
	t.Helper()
	var rentals []domain.Rental
	for id := int64(1); ; id++ {
		rental, err := f.rentals.Get(context.Background(), id)
		if errors.Is(err, domain.ErrRentalNotFound) {
			return rentals
		}
		require.NoError(t, err)
		rentals = append(rentals, rental)
	}
}

func (f *fixture) eventTypes() []string {
	var types []string
	for _, msg := range f.outbox.AllPending() {
		types = append(types, msg.EventType)
	}
	return types
}

// recordingTimeline запоминает состояния всех саг в порядке записи.
type recordingTimeline struct {
	domain.TimelineRepository

	mu     sync.Mutex
	states []string
}

func (r *recordingTimeline) Append(ctx context.Context, event domain.TimelineEvent) error {
	r.mu.Lock()
	r.states = append(r.states, event.State)
	r.mu.Unlock()
	return r.TimelineRepository.Append(ctx, event)
}

func (r *recordingTimeline) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

type failingTransactions struct {
	*memory.TransactionRepository
	createErr error
}

func (f *failingTransactions) Create(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if f.createErr != nil {
		return domain.Transaction{}, f.createErr
	}
	return f.TransactionRepository.Create(ctx, tx)
}

type failingRentalPayments struct {
	*memory.RentalPaymentRepository
	failAfter int
	calls     int
}

func (f *failingRentalPayments) Create(ctx context.Context, row domain.RentalPayment) error {
	f.calls++
	if f.calls > f.failAfter {
		return errors.New("ledger table unavailable")
	}
	return f.RentalPaymentRepository.Create(ctx, row)
}

type brokenCatalog struct{}

func (brokenCatalog) GetCatalogItem(context.Context, int64) (domain.CatalogItem, error) {
	return domain.CatalogItem{}, errors.New("catalog timeout")
}

type brokenPromotions struct{}

func (brokenPromotions) Lookup(context.Context, string) (domain.Promotion, error) {
	return domain.Promotion{}, errors.New("promotion service timeout")
}
