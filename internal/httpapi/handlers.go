package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/service/availability"
	"github.com/vladislavdragonenkov/rms/internal/service/saga"
	"github.com/vladislavdragonenkov/rms/internal/service/settlement"
)

// IdempotencyKeyHeader: клиентский ключ идемпотентности чекаута.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes ограничивает JSON-тело запроса.
const maxBodyBytes = 64 << 10

type cartItemRequest struct {
	CatalogID int64     `json:"catalog_id"`
	Quantity  int       `json:"quantity"`
	Location  string    `json:"location"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type checkoutRequest struct {
	Items         []cartItemRequest `json:"items"`
	PromoCode     string            `json:"promo_code"`
	PaymentMethod string            `json:"payment_method"`
}

type rentalResponse struct {
	ID             int64     `json:"id"`
	UnitID         int64     `json:"unit_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	PickupLocation string    `json:"pickup_location"`
	TotalCostMinor int64     `json:"total_cost_minor"`
	PromoCode      string    `json:"promo_code,omitempty"`
	Status         string    `json:"status"`
}

type transactionResponse struct {
	ID              int64                      `json:"id"`
	TransactionCode string                     `json:"transaction_code"`
	AmountMinor     int64                      `json:"amount_minor"`
	PaymentMethod   string                     `json:"payment_method"`
	Status          string                     `json:"status"`
	Metadata        domain.TransactionMetadata `json:"metadata"`
}

type checkoutResponse struct {
	SagaID      string              `json:"saga_id,omitempty"`
	Transaction transactionResponse `json:"transaction"`
	Rentals     []rentalResponse    `json:"rentals"`
	Replayed    bool                `json:"replayed"`
}

type timelineEventResponse struct {
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	Occurred      time.Time `json:"occurred"`
}

type timelineResponse struct {
	SagaID string                  `json:"saga_id"`
	Events []timelineEventResponse `json:"events"`
}

type settleRequest struct {
	Decision string `json:"decision"`
}

type unitResponse struct {
	ID              int64  `json:"id"`
	CatalogID       int64  `json:"catalog_id"`
	Location        string `json:"location"`
	ConditionRating int    `json:"condition_rating"`
	OdometerKm      int64  `json:"odometer_km"`
}

type availabilityResponse struct {
	Free  *bool          `json:"free,omitempty"`
	Units []unitResponse `json:"units,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewValidationError("body", fmt.Errorf("invalid json: %w", err))
	}
	return nil
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var body checkoutRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	principal := principalFrom(r.Context())
	req := saga.CheckoutRequest{
		UserID:          principal.UserID,
		PromoCode:       body.PromoCode,
		PaymentMethodID: body.PaymentMethod,
		IdempotencyKey:  r.Header.Get(IdempotencyKeyHeader),
	}
	for _, item := range body.Items {
		req.Cart.Items = append(req.Cart.Items, domain.CartItem{
			CatalogID: item.CatalogID,
			Quantity:  item.Quantity,
			Location:  item.Location,
			Window:    domain.Window{Start: item.Start, End: item.End},
		})
	}

	result, err := h.orchestrator.Checkout(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := checkoutResponse{
		SagaID:      result.SagaID,
		Transaction: toTransactionResponse(result.Transaction),
		Rentals:     make([]rentalResponse, 0, len(result.Rentals)),
		Replayed:    result.Replayed,
	}
	for _, rental := range result.Rentals {
		resp.Rentals = append(resp.Rentals, toRentalResponse(rental))
	}

	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body settleRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	decision, err := settlement.ParseDecision(body.Decision)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.settler.Settle(r.Context(), principalFrom(r.Context()), id, decision)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, normalizeCascade(result))
}

// sagaTimeline доступен только администратору: в истории нет владельца саги.
func (h *Handler) sagaTimeline(w http.ResponseWriter, r *http.Request) {
	if !principalFrom(r.Context()).IsAdmin() {
		h.writeError(w, r, domain.ErrForbidden)
		return
	}
	sagaID := strings.TrimSpace(chi.URLParam(r, "id"))
	events, err := h.timeline.List(r.Context(), sagaID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(events) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: %s", domain.ErrSagaNotFound, sagaID))
		return
	}

	resp := timelineResponse{SagaID: sagaID, Events: make([]timelineEventResponse, len(events))}
	for i, e := range events {
		resp.Events[i] = timelineEventResponse{State: e.State, Reason: e.Reason, TransactionID: e.TransactionID, Occurred: e.Occurred}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancelRental(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.orchestrator.CancelRental(r.Context(), id, principalFrom(r.Context()).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.RentalStatusCancelled)})
}

func (h *Handler) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.orchestrator.CancelTransaction(r.Context(), id, principalFrom(r.Context()).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, normalizeCascade(result))
}

func (h *Handler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	q, err := parseAvailabilityQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.availability.CheckAvailability(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := availabilityResponse{Free: result.Free}
	if result.Free == nil {
		resp.Units = make([]unitResponse, 0, len(result.Units))
		for _, unit := range result.Units {
			resp.Units = append(resp.Units, unitResponse{
				ID:              unit.ID,
				CatalogID:       unit.CatalogID,
				Location:        unit.Location,
				ConditionRating: unit.ConditionRating,
				OdometerKm:      unit.OdometerKm,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseAvailabilityQuery(r *http.Request) (availability.Query, error) {
	values := r.URL.Query()
	var q availability.Query

	start, err := time.Parse(time.RFC3339, values.Get("start"))
	if err != nil {
		return q, domain.NewValidationError("start", err)
	}
	end, err := time.Parse(time.RFC3339, values.Get("end"))
	if err != nil {
		return q, domain.NewValidationError("end", err)
	}
	q.Window = domain.Window{Start: start, End: end}
	q.Location = values.Get("location")

	if raw := values.Get("unit_id"); raw != "" {
		if q.UnitID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return q, domain.NewValidationError("unit_id", err)
		}
	}
	if raw := values.Get("catalog_id"); raw != "" {
		if q.CatalogID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return q, domain.NewValidationError("catalog_id", err)
		}
	}
	return q, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("id", errors.New("must be a positive integer"))
	}
	return id, nil
}

func normalizeCascade(result domain.CascadeResult) domain.CascadeResult {
	if result.Failures == nil {
		result.Failures = []domain.RentalFailure{}
	}
	return result
}

func toRentalResponse(rental domain.Rental) rentalResponse {
	return rentalResponse{
		ID:             rental.ID,
		UnitID:         rental.UnitID,
		Start:          rental.Window.Start,
		End:            rental.Window.End,
		PickupLocation: rental.PickupLocation,
		TotalCostMinor: rental.TotalCostMinor,
		PromoCode:      rental.PromoCode,
		Status:         string(rental.Status),
	}
}

func toTransactionResponse(tx domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:              tx.ID,
		TransactionCode: tx.TransactionCode,
		AmountMinor:     tx.AmountMinor,
		PaymentMethod:   tx.PaymentMethod.ID,
		Status:          string(tx.Status),
		Metadata:        tx.Metadata,
	}
}
