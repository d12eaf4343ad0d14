// Package httpapi: JSON-поверхность сервиса поверх chi.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/service/availability"
	"github.com/vladislavdragonenkov/rms/internal/service/saga"
	"github.com/vladislavdragonenkov/rms/internal/service/settlement"
)

const requestTimeout = 15 * time.Second

// Settler применяет решение администратора к транзакции.
type Settler interface {
	Settle(ctx context.Context, principal domain.Principal, transactionID int64, decision settlement.Decision) (domain.CascadeResult, error)
}

// AvailabilityChecker отвечает на запрос доступности.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, q availability.Query) (availability.Result, error)
}

// TimelineReader отдаёт историю состояний саги.
type TimelineReader interface {
	List(ctx context.Context, sagaID string) ([]domain.TimelineEvent, error)
}

// Handler держит зависимости HTTP-обработчиков.
type Handler struct {
	orchestrator saga.Orchestrator
	settler      Settler
	availability AvailabilityChecker
	verifier     domain.CredentialVerifier
	timeline     TimelineReader
	logger       *log.Entry
}

// Option настраивает Handler.
type Option func(*Handler)

// WithTimeline включает GET /sagas/{id}/timeline.
func WithTimeline(timeline TimelineReader) Option {
	return func(h *Handler) { h.timeline = timeline }
}

// NewHandler создаёт обработчики API.
func NewHandler(orchestrator saga.Orchestrator, settler Settler, checker AvailabilityChecker, verifier domain.CredentialVerifier, logger *log.Entry, opts ...Option) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "httpapi")
	}
	h := &Handler{
		orchestrator: orchestrator,
		settler:      settler,
		availability: checker,
		verifier:     verifier,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router собирает маршруты. Все операции кроме доступности требуют bearer-токен.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(h.requestLogger)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/availability", h.checkAvailability)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/checkout", h.checkout)
		r.Post("/rentals/{id}/cancel", h.cancelRental)
		r.Post("/transactions/{id}/cancel", h.cancelTransaction)
		r.Post("/transactions/{id}/settle", h.settle)
		if h.timeline != nil {
			r.Get("/sagas/{id}/timeline", h.sagaTimeline)
		}
	})
	return r
}
