package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// Catalog: in-memory каталог моделей, реализует domain.CatalogService.
type Catalog struct {
	mu    sync.RWMutex
	items map[int64]domain.CatalogItem
}

// NewCatalog создаёт каталог с заданными моделями.
func NewCatalog(items ...domain.CatalogItem) *Catalog {
	c := &Catalog{items: make(map[int64]domain.CatalogItem, len(items))}
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

// Put добавляет или заменяет модель.
func (c *Catalog) Put(item domain.CatalogItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

func (c *Catalog) GetCatalogItem(_ context.Context, id int64) (domain.CatalogItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	if !ok {
		return domain.CatalogItem{}, domain.ErrCatalogItemNotFound
	}
	return item, nil
}

// Promotions: in-memory справочник промокодов, реализует domain.PromotionService.
type Promotions struct {
	mu    sync.RWMutex
	promo map[string]domain.Promotion
}

// NewPromotions создаёт справочник промокодов.
func NewPromotions(promos ...domain.Promotion) *Promotions {
	p := &Promotions{promo: make(map[string]domain.Promotion, len(promos))}
	for _, promo := range promos {
		p.promo[normalizeCode(promo.Code)] = promo
	}
	return p
}

// Put добавляет или заменяет промокод.
func (p *Promotions) Put(promo domain.Promotion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promo[normalizeCode(promo.Code)] = promo
}

func (p *Promotions) Lookup(_ context.Context, code string) (domain.Promotion, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	promo, ok := p.promo[normalizeCode(code)]
	if !ok {
		return domain.Promotion{}, domain.ErrPromotionNotFound
	}
	return promo, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var (
	_ domain.CatalogService   = (*Catalog)(nil)
	_ domain.PromotionService = (*Promotions)(nil)
)
