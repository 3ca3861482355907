package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/microservices/order/domain"
	"order-pipeline/internal/microservices/order/service"
)

// DefaultStreamDelay is used when NewOrderHandler gets a non-positive delay.
const DefaultStreamDelay = 500 * time.Millisecond

type OrderHandler struct {
	service     service.OrderServiceInterface
	streamDelay time.Duration
	lg          *logger.Logger
}

func NewOrderHandler(s service.OrderServiceInterface, streamDelay time.Duration, lg *logger.Logger) *OrderHandler {
	if streamDelay <= 0 {
		streamDelay = DefaultStreamDelay
	}
	return &OrderHandler{service: s, streamDelay: streamDelay, lg: lg}
}

func (oh *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req *domain.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "empty_body", service.ErrEmptyPayload.Error())
			return
		}
		writeProblem(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	order, err := oh.service.CreateOrder(r.Context(), req)
	if errors.Is(err, service.ErrEmptyPayload) {
		writeProblem(w, http.StatusBadRequest, "empty_body", err.Error())
		return
	}
	if err != nil {
		oh.lg.Error("create_order_failed", err, nil)
		writeProblem(w, http.StatusInternalServerError, "store_error", "failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (oh *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, ok, err := oh.service.FindByID(r.Context(), id)
	if err != nil {
		oh.lg.Error("get_order_failed", err, map[string]any{"order_id": id})
		writeProblem(w, http.StatusInternalServerError, "store_error", "failed to read order")
		return
	}
	if !ok {
		writeProblem(w, http.StatusNotFound, "not_found", fmt.Sprintf("order %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (oh *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := oh.service.FindAll(r.Context())
	if err != nil {
		oh.lg.Error("list_orders_failed", err, nil)
		writeProblem(w, http.StatusInternalServerError, "store_error", "failed to list orders")
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// StreamOrders sends every order as a server-sent event, one per streamDelay,
// until the list is exhausted or the client goes away.
func (oh *OrderHandler) StreamOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := oh.service.FindAll(r.Context())
	if err != nil {
		oh.lg.Error("stream_orders_failed", err, nil)
		writeProblem(w, http.StatusInternalServerError, "store_error", "failed to list orders")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(oh.streamDelay)
	defer ticker.Stop()
	for _, o := range orders {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		b, err := json.Marshal(o)
		if err != nil {
			oh.lg.Error("stream_encode_failed", err, map[string]any{"order_id": o.ID})
			return
		}
		if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", o.ID, b); err != nil {
			return
		}
		_ = rc.Flush()
	}
}
