package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rms/internal/service/ledger"
	"github.com/vladislavdragonenkov/rms/internal/service/payment"
)

// CheckoutRequest: входные данные чекаута. Корзина передаётся явно.
type CheckoutRequest struct {
	UserID          int64
	Cart            domain.Cart
	PromoCode       string
	PaymentMethodID string
	// IdempotencyKey становится transaction_code; пустой ключ: чекаут без идемпотентности.
	IdempotencyKey string
}

// CheckoutResult: созданная транзакция и аренды. Очистка корзины, забота вызывающего.
type CheckoutResult struct {
	SagaID      string
	Transaction domain.Transaction
	Rentals     []domain.Rental
	// Replayed: результат взят из ранее завершённого чекаута с тем же ключом.
	Replayed bool
}

// Checkout выполняет сагу. При ошибке после создания аренд все они отменяются
// и возвращается исходная ошибка.
func (o *orchestrator) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	started := time.Now()
	if o.metrics != nil {
		o.metrics.RecordCheckoutStarted()
		defer func() { o.metrics.RecordCheckoutFinished(time.Since(started)) }()
	}

	result, err := o.checkout(ctx, req)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordCheckoutFailed(errorKind(err))
		}
		o.logger.WithError(err).WithFields(log.Fields{
			"user_id": req.UserID,
			"kind":    errorKind(err),
		}).Warn("checkout failed")
		return CheckoutResult{}, err
	}

	if o.metrics != nil {
		if result.Replayed {
			o.metrics.RecordCheckoutReplayed()
		} else {
			o.metrics.RecordCheckoutCompleted()
		}
	}
	return result, nil
}

func (o *orchestrator) checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	if err := validateRequest(req); err != nil {
		return CheckoutResult{}, err
	}
	if _, err := domain.ResolvePaymentMethod(req.PaymentMethodID); err != nil {
		return CheckoutResult{}, domain.NewValidationError("payment_method", err)
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || o.idempotency == nil {
		return o.execute(ctx, req, key)
	}

	prior, replay, err := o.claim(ctx, key, req)
	if err != nil {
		return CheckoutResult{}, err
	}
	if replay {
		return prior, nil
	}

	result, err := o.execute(ctx, req, key)

	// Результат фиксируем даже если клиент уже отключился.
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		if markErr := o.idempotency.MarkFailed(finishCtx, key, err.Error()); markErr != nil {
			o.logger.WithError(markErr).WithField("idempotency_key", key).Warn("mark idempotency key failed")
		}
		return CheckoutResult{}, err
	}
	if markErr := o.idempotency.MarkDone(finishCtx, key, result.Transaction.ID); markErr != nil {
		o.logger.WithError(markErr).WithField("idempotency_key", key).Warn("mark idempotency key done failed")
	}
	return result, nil
}

// claim занимает ключ идемпотентности. replay=true: ключ уже завершён тем же запросом.
func (o *orchestrator) claim(ctx context.Context, key string, req CheckoutRequest) (CheckoutResult, bool, error) {
	hash, err := requestHash(req)
	if err != nil {
		return CheckoutResult{}, false, fmt.Errorf("hash checkout request: %w", err)
	}
	claim := domain.IdempotencyClaim{
		Key:         key,
		UserID:      req.UserID,
		RequestHash: hash,
		ExpiresAt:   o.now().Add(o.idempotencyTTL),
	}

	for attempt := 0; attempt < 2; attempt++ {
		record, err := o.idempotency.Claim(ctx, claim)
		switch {
		case err == nil:
			return CheckoutResult{}, false, nil
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			return CheckoutResult{}, false, domain.NewValidationError("idempotency_key", err)
		case !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
			return CheckoutResult{}, false, fmt.Errorf("claim idempotency key: %w", err)
		}

		switch record.Status {
		case domain.IdempotencyStatusDone:
			result, err := o.replay(ctx, record)
			return result, err == nil, err
		case domain.IdempotencyStatusProcessing:
			return CheckoutResult{}, false, domain.ErrCheckoutInProgress
		}

		// failed: ключ можно занять заново, если под ним не осталось транзакции
		if _, err := o.payments.GetByCode(ctx, key); err == nil {
			return CheckoutResult{}, false, domain.NewValidationError("idempotency_key",
				fmt.Errorf("key %q already used by a failed transaction", key))
		} else if !errors.Is(err, domain.ErrTransactionNotFound) {
			return CheckoutResult{}, false, fmt.Errorf("check transaction code: %w", err)
		}
		if err := o.idempotency.Release(ctx, key); err != nil && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			return CheckoutResult{}, false, fmt.Errorf("release idempotency key: %w", err)
		}
	}
	return CheckoutResult{}, false, domain.ErrCheckoutInProgress
}

func (o *orchestrator) replay(ctx context.Context, record domain.IdempotencyRecord) (CheckoutResult, error) {
	tx, err := o.payments.Get(ctx, record.TransactionID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("load replayed transaction: %w", err)
	}
	rentals, err := o.ledger.ListByTransaction(ctx, tx.ID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("load replayed rentals: %w", err)
	}

	o.logger.WithFields(log.Fields{
		"idempotency_key": record.Key,
		"transaction_id":  tx.ID,
	}).Info("checkout replayed from idempotency store")
	return CheckoutResult{Transaction: tx, Rentals: rentals, Replayed: true}, nil
}

// execute: шаги 1–9 саги.
func (o *orchestrator) execute(ctx context.Context, req CheckoutRequest, transactionCode string) (CheckoutResult, error) {
	pricingStarted := time.Now()
	q, err := o.priceCart(ctx, req.Cart, req.PromoCode)
	o.observeStep(domain.SagaStepPricing, pricingStarted)
	if err != nil {
		return CheckoutResult{}, err
	}

	r := o.startRun(ctx)
	r.logger = r.logger.WithField("user_id", req.UserID)
	o.emitSaga(ctx, kafka.EventTypeSagaStarted, r, map[string]interface{}{
		"user_id":    req.UserID,
		"cart_items": len(req.Cart.Items),
	})

	allocateStarted := time.Now()
	for _, l := range q.lines {
		if err := o.allocateLine(ctx, r, req.UserID, l, q.promoCode); err != nil {
			o.observeStep(domain.SagaStepAllocate, allocateStarted)
			o.compensate(ctx, r, err)
			return CheckoutResult{}, err
		}
	}
	o.observeStep(domain.SagaStepAllocate, allocateStarted)
	o.mustAdvance(ctx, r, StateRentalsCreated, "")

	txStarted := time.Now()
	rentalIDs := make([]int64, 0, len(r.rentals))
	for _, rental := range r.rentals {
		rentalIDs = append(rentalIDs, rental.ID)
	}
	tx, err := o.payments.CreateTransaction(ctx, payment.TransactionSpec{
		UserID:          req.UserID,
		RentalIDs:       rentalIDs,
		AmountMinor:     q.amount,
		PaymentMethodID: req.PaymentMethodID,
		TransactionCode: transactionCode,
		CartCheckout:    true,
		PromoCode:       q.promoCode,
		OriginalAmount:  q.before,
		DiscountAmount:  q.discount,
	})
	o.observeStep(domain.SagaStepTransaction, txStarted)
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrTransactionCodeExists) {
			err = domain.NewUpstreamError("payment", err)
		}
		o.compensate(ctx, r, err)
		return CheckoutResult{}, err
	}
	r.tx = &tx
	o.mustAdvance(ctx, r, StateTransactionCreated, "")

	linkStarted := time.Now()
	for _, rental := range r.rentals {
		if err := o.ledger.LinkToTransaction(ctx, rental.ID, tx.ID, r.costs[rental.ID]); err != nil {
			o.observeStep(domain.SagaStepLink, linkStarted)
			err = fmt.Errorf("link rental %d to transaction %d: %w", rental.ID, tx.ID, err)
			o.compensate(ctx, r, err)
			return CheckoutResult{}, err
		}
	}
	o.observeStep(domain.SagaStepLink, linkStarted)
	o.mustAdvance(ctx, r, StateDone, "")

	for _, rental := range r.rentals {
		o.emitRental(ctx, kafka.EventTypeRentalCreated, rental)
	}
	o.emitTransaction(ctx, kafka.EventTypeTransactionCreated, tx)
	o.emitSaga(ctx, kafka.EventTypeSagaCompleted, r, map[string]interface{}{
		"amount_minor": tx.AmountMinor,
		"rentals":      len(r.rentals),
	})

	r.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"rentals":        len(r.rentals),
		"amount_minor":   tx.AmountMinor,
	}).Info("checkout completed")

	return CheckoutResult{
		SagaID:      r.id,
		Transaction: tx,
		Rentals:     append([]domain.Rental(nil), r.rentals...),
	}, nil
}

// allocateLine занимает quantity единиц под позицию, проходя кандидатов по порядку.
// Если свободных меньше quantity, аренды по позиции не создаются вовсе.
func (o *orchestrator) allocateLine(ctx context.Context, r *run, userID int64, l line, promoCode *string) error {
	item := l.item
	candidates, err := o.availability.FreeUnits(ctx, item.CatalogID, item.Location, item.Window)
	if err != nil {
		return fmt.Errorf("find free units for catalog %d: %w", item.CatalogID, err)
	}

	if len(candidates) < item.Quantity {
		return &domain.ConflictError{
			CatalogID: item.CatalogID,
			Location:  item.Location,
			Window:    item.Window,
			Requested: item.Quantity,
			Allocated: len(candidates),
		}
	}

	cost := l.UnitCost()
	allocated := 0
	for _, unit := range candidates {
		if allocated == item.Quantity {
			break
		}
		rental, ok, err := o.tryAllocate(ctx, userID, unit, item, cost, promoCode)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		r.rentals = append(r.rentals, rental)
		r.costs[rental.ID] = cost
		allocated++
		o.setUnitStatus(ctx, unit.ID, domain.UnitStatusRented)
	}

	if allocated < item.Quantity {
		return &domain.ConflictError{
			CatalogID: item.CatalogID,
			Location:  item.Location,
			Window:    item.Window,
			Requested: item.Quantity,
			Allocated: allocated,
		}
	}
	return nil
}

// tryAllocate под блокировкой единицы перепроверяет свободность и создаёт аренду.
// ok=false: единицу успел занять конкурент.
func (o *orchestrator) tryAllocate(ctx context.Context, userID int64, unit domain.Unit, item domain.CartItem, cost int64, promoCode *string) (domain.Rental, bool, error) {
	release, err := o.locker.Lock(ctx, unit.ID)
	if err != nil {
		return domain.Rental{}, false, fmt.Errorf("lock unit %d: %w", unit.ID, err)
	}
	defer release()

	free, err := o.availability.IsFree(ctx, unit.ID, item.Window)
	if err != nil {
		return domain.Rental{}, false, fmt.Errorf("recheck unit %d: %w", unit.ID, err)
	}
	if !free {
		return domain.Rental{}, false, nil
	}

	spec := ledger.RentalSpec{
		UserID:         userID,
		UnitID:         unit.ID,
		Window:         item.Window,
		PickupLocation: item.Location,
		TotalCostMinor: cost,
	}
	if promoCode != nil {
		spec.PromoCode = *promoCode
	}
	rental, err := o.ledger.CreateRental(ctx, spec)
	if errors.Is(err, domain.ErrRentalOverlap) {
		return domain.Rental{}, false, nil
	}
	if err != nil {
		return domain.Rental{}, false, fmt.Errorf("create rental on unit %d: %w", unit.ID, err)
	}
	return rental, true, nil
}

func (o *orchestrator) mustAdvance(ctx context.Context, r *run, to State, reason string) {
	if err := o.advance(ctx, r, to, reason); err != nil {
		r.logger.WithError(err).Error("saga state machine violated")
	}
}

func (o *orchestrator) observeStep(step domain.SagaStep, started time.Time) {
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(step), time.Since(started))
	}
}

func validateRequest(req CheckoutRequest) error {
	if req.UserID <= 0 {
		return domain.NewValidationError("user_id", domain.ErrUserRequired)
	}
	return req.Cart.Validate()
}

// requestHash: отпечаток запроса для проверки повторов под тем же ключом.
func requestHash(req CheckoutRequest) (string, error) {
	type item struct {
		CatalogID int64  `json:"catalog_id"`
		Quantity  int    `json:"quantity"`
		Location  string `json:"location"`
		Start     int64  `json:"start"`
		End       int64  `json:"end"`
	}
	canonical := struct {
		UserID  int64  `json:"user_id"`
		Items   []item `json:"items"`
		Promo   string `json:"promo"`
		Payment string `json:"payment"`
	}{
		UserID:  req.UserID,
		Promo:   strings.ToUpper(strings.TrimSpace(req.PromoCode)),
		Payment: strings.ToLower(strings.TrimSpace(req.PaymentMethodID)),
	}
	for _, it := range req.Cart.Items {
		canonical.Items = append(canonical.Items, item{
			CatalogID: it.CatalogID,
			Quantity:  it.Quantity,
			Location:  strings.TrimSpace(it.Location),
			Start:     it.Window.Start.UTC().UnixNano(),
			End:       it.Window.End.UTC().UnixNano(),
		})
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// errorKind: класс ошибки для метрик.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream"
	case errors.Is(err, domain.ErrCheckoutInProgress):
		return "in_progress"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
