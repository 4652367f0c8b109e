package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

const idempotencyHeader = "Idempotency-Key"

// Bus is the part of the message bus the entry points need.
type Bus interface {
	Handle(ctx context.Context, msg domain.Message) ([]string, error)
}

// IdempotencyGuard claims request keys. A nil guard disables the check.
// A key is released again when the request it guards fails, so the
// client can retry with it.
type IdempotencyGuard interface {
	SetIdempotency(ctx context.Context, key string) (bool, error)
	ReleaseIdempotency(ctx context.Context, key string) error
}

type HTTPHandler struct {
	bus    Bus
	view   port.AllocationsView
	guard  IdempotencyGuard
	logger *zap.Logger
}

type AddBatchHTTPRequest struct {
	Ref string  `json:"ref"`
	SKU string  `json:"sku"`
	Qty int     `json:"qty"`
	ETA *string `json:"eta"`
}

type OrderLineHTTPRequest struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type ChangeBatchQuantityHTTPRequest struct {
	Ref string `json:"ref"`
	Qty int    `json:"qty"`
}

type HTTPResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	BatchRef string `json:"batchref,omitempty"`
}

func NewHTTPHandler(bus Bus, view port.AllocationsView, guard IdempotencyGuard, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{bus: bus, view: view, guard: guard, logger: logger}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Post("/add_batch", h.AddBatch)
	r.Post("/allocate", h.Allocate)
	r.Post("/deallocate", h.Deallocate)
	r.Post("/change_batch_quantity", h.ChangeBatchQuantity)
	r.Get("/allocations/{orderid}", h.Allocations)
	return r
}

func (h *HTTPHandler) AddBatch(w http.ResponseWriter, r *http.Request) {
	var req AddBatchHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{Message: "invalid request body"})
		return
	}
	if req.Ref == "" || req.SKU == "" || req.Qty < 0 {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{Message: "missing required fields"})
		return
	}

	var eta *time.Time
	if req.ETA != nil && *req.ETA != "" {
		parsed, err := parseDate(*req.ETA)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, HTTPResponse{Message: "invalid eta"})
			return
		}
		eta = &parsed
	}

	_, err := h.bus.Handle(r.Context(), domain.CreateBatch{Ref: req.Ref, SKU: req.SKU, Qty: req.Qty, ETA: eta})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, HTTPResponse{Success: true, Message: "OK"})
}

func (h *HTTPHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderLine(w, r)
	if !ok {
		return
	}

	var claimedKey string
	if key := r.Header.Get(idempotencyHeader); key != "" && h.guard != nil {
		claimedKey = "allocate:" + key
		claimed, err := h.guard.SetIdempotency(r.Context(), claimedKey)
		if err != nil {
			h.logger.Error("idempotency check failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, HTTPResponse{Message: "internal error"})
			return
		}
		if !claimed {
			writeJSON(w, http.StatusConflict, HTTPResponse{Message: "duplicate request"})
			return
		}
	}

	results, err := h.bus.Handle(r.Context(), domain.Allocate{OrderID: req.OrderID, SKU: req.SKU, Qty: req.Qty})
	if err != nil {
		if claimedKey != "" {
			h.releaseKey(r.Context(), claimedKey)
		}
		h.writeError(w, err)
		return
	}
	if len(results) == 0 || results[0] == "" {
		writeJSON(w, http.StatusGone, HTTPResponse{Message: "out of stock"})
		return
	}
	writeJSON(w, http.StatusCreated, HTTPResponse{Success: true, Message: "allocated", BatchRef: results[0]})
}

func (h *HTTPHandler) Deallocate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderLine(w, r)
	if !ok {
		return
	}

	results, err := h.bus.Handle(r.Context(), domain.DeAllocate{OrderID: req.OrderID, SKU: req.SKU, Qty: req.Qty})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, HTTPResponse{Success: true, Message: "deallocated", BatchRef: first(results)})
}

func (h *HTTPHandler) ChangeBatchQuantity(w http.ResponseWriter, r *http.Request) {
	var req ChangeBatchQuantityHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{Message: "invalid request body"})
		return
	}
	if req.Ref == "" || req.Qty < 0 {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{Message: "missing required fields"})
		return
	}

	if _, err := h.bus.Handle(r.Context(), domain.ChangeBatchQuantity{Ref: req.Ref, Qty: req.Qty}); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, HTTPResponse{Success: true, Message: "OK"})
}

func (h *HTTPHandler) Allocations(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderid")

	views, err := h.view.Allocations(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(views) == 0 {
		writeJSON(w, http.StatusNotFound, HTTPResponse{Message: "orderid " + orderID + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrInvalidSku),
		errors.Is(err, domain.ErrNotAllocated),
		errors.Is(err, domain.ErrDuplicateBatch),
		errors.Is(err, domain.ErrSkuMismatch):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, domain.ErrBatchNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, port.ErrConcurrentModification):
		status = http.StatusConflict
		message = "concurrent modification, retry"
	default:
		h.logger.Error("request failed", zap.Error(err))
	}

	writeJSON(w, status, HTTPResponse{Message: message})
}

func (h *HTTPHandler) releaseKey(ctx context.Context, key string) {
	// The request context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := h.guard.ReleaseIdempotency(ctx, key); err != nil {
		h.logger.Error("failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func decodeOrderLine(w http.ResponseWriter, r *http.Request) (OrderLineHTTPRequest, bool) {
	var req OrderLineHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{Message: "invalid request body"})
		return req, false
	}
	if req.OrderID == "" || req.SKU == "" || req.Qty <= 0 {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{Message: "missing required fields"})
		return req, false
	}
	return req, true
}

// parseDate accepts a plain date or an RFC 3339 timestamp and keeps the date.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func first(results []string) string {
	if len(results) == 0 {
		return ""
	}
	return results[0]
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
