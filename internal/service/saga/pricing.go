package saga

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// line: позиция корзины с рассчитанной стоимостью.
type line struct {
	item     domain.CartItem
	catalog  domain.CatalogItem
	days     int64
	total    int64
	discount int64
	final    int64
}

// UnitCost возвращает стоимость одной аренды позиции, final / quantity с округлением половины вверх.
func (l line) UnitCost() int64 {
	return unitCost(l.final, l.item.Quantity)
}

// quote: расчёт корзины целиком.
type quote struct {
	lines     []line
	before    int64
	discount  int64
	amount    int64
	promoCode *string
}

// priceCart рассчитывает цены до любых побочных эффектов.
// Отказ каталога: UpstreamError, проблемы с промокодом не фатальны.
func (o *orchestrator) priceCart(ctx context.Context, cart domain.Cart, promoCode string) (quote, error) {
	lines := make([]line, 0, len(cart.Items))
	var sum int64
	for idx, item := range cart.Items {
		var catalogItem domain.CatalogItem
		err := o.breaker.Execute("catalog", func() error {
			var lookupErr error
			catalogItem, lookupErr = o.catalog.GetCatalogItem(ctx, item.CatalogID)
			return lookupErr
		})
		if err != nil {
			if errors.Is(err, domain.ErrCatalogItemNotFound) {
				return quote{}, domain.NewValidationError("catalog_id", err)
			}
			return quote{}, domain.NewUpstreamError("catalog", err)
		}

		days := item.Window.Days()
		total, ok := lineTotal(days, catalogItem.DailyRateMinor, item.Quantity)
		if ok {
			ok = sum <= math.MaxInt64-total
		}
		if !ok {
			return quote{}, domain.NewValidationError(fmt.Sprintf("items[%d]", idx), domain.ErrAmountOverflow)
		}
		sum += total
		lines = append(lines, line{
			item:    item,
			catalog: catalogItem,
			days:    days,
			total:   total,
		})
	}

	q := quote{lines: lines}
	percent := int64(0)
	if promo, ok := o.resolvePromotion(ctx, promoCode); ok {
		percent = promo.DiscountPercent
		code := promo.Code
		q.promoCode = &code
	}
	q.before, q.discount, q.amount = applyDiscount(q.lines, percent)
	return q, nil
}

// applyDiscount распределяет скидку корзины по позициям пропорционально их сумме.
// Все округления вниз, поэтому сумма скидок позиций не превышает скидку корзины.
func applyDiscount(lines []line, percent int64) (before, discount, amount int64) {
	for _, l := range lines {
		before += l.total
	}
	cartDiscount := int64(0)
	if percent > 0 && before > 0 {
		cartDiscount = mulDiv(before, min(percent, 100), 100)
	}

	for i := range lines {
		lines[i].discount = 0
		if cartDiscount > 0 {
			lines[i].discount = mulDiv(lines[i].total, cartDiscount, before)
		}
		lines[i].final = lines[i].total - lines[i].discount
		discount += lines[i].discount
		amount += lines[i].final
	}
	return before, discount, amount
}

func unitCost(final int64, quantity int) int64 {
	if quantity <= 0 {
		return final
	}
	q := int64(quantity)
	cost, rest := final/q, final%q
	if rest*2 >= q {
		cost++
	}
	return cost
}

// lineTotal считает days * rate * quantity; ok=false при переполнении int64.
func lineTotal(days, rate int64, quantity int) (int64, bool) {
	if days < 0 || rate < 0 || quantity < 0 {
		return 0, false
	}
	hi, perUnit := bits.Mul64(uint64(days), uint64(rate))
	if hi != 0 || perUnit > math.MaxInt64 {
		return 0, false
	}
	hi, total := bits.Mul64(perUnit, uint64(quantity))
	if hi != 0 || total > math.MaxInt64 {
		return 0, false
	}
	return int64(total), true
}

// mulDiv возвращает floor(a*b/c) со 128-битным промежуточным произведением.
// Требует a, b >= 0, c > 0 и a*b/c < 2^63; при b <= c это выполняется для любого a.
func mulDiv(a, b, c int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, _ := bits.Div64(hi, lo, uint64(c))
	return int64(q)
}

// resolvePromotion возвращает промокод, если он применим сейчас.
func (o *orchestrator) resolvePromotion(ctx context.Context, code string) (domain.Promotion, bool) {
	code = strings.TrimSpace(code)
	if code == "" || o.promotions == nil {
		return domain.Promotion{}, false
	}

	promo, err := o.promotions.Lookup(ctx, code)
	if err != nil {
		entry := o.logger.WithError(err).WithField("promo_code", code)
		if errors.Is(err, domain.ErrPromotionNotFound) {
			entry.Info("unknown promo code, checkout continues without discount")
		} else {
			entry.Warn("promotion lookup failed, checkout continues without discount")
		}
		return domain.Promotion{}, false
	}
	if !promo.ValidAt(o.now()) {
		o.logger.WithFields(log.Fields{
			"promo_code": code,
			"active":     promo.Active,
		}).Info("promo code is not applicable")
		return domain.Promotion{}, false
	}
	return promo, true
}
