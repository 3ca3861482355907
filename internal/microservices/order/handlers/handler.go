package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"order-pipeline/internal/common/logger"
	analytics "order-pipeline/internal/microservices/analytics/service"
	"order-pipeline/internal/microservices/order/service"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	OrderHandler     *OrderHandler
	AnalyticsHandler *AnalyticsHandler
	HealthHandler    *HealthHandler
}

func New(orders service.OrderServiceInterface, summary analytics.AnalyticsServiceInterface, streamDelay time.Duration, lg *logger.Logger, checks map[string]HealthCheck) *Handler {
	return &Handler{
		OrderHandler:     NewOrderHandler(orders, streamDelay, lg),
		AnalyticsHandler: NewAnalyticsHandler(summary),
		HealthHandler:    &HealthHandler{checks: checks},
	}
}

// Router mounts the API. A nil gatherer leaves /metrics unmounted.
func Router(h *Handler, lg *logger.Logger, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(lg))
	r.Use(middleware.Recoverer)

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.OrderHandler.CreateOrder)
		r.Get("/", h.OrderHandler.ListOrders)
		r.Get("/stream", h.OrderHandler.StreamOrders)
		r.Get("/{id}", h.OrderHandler.GetOrder)
	})
	r.Get("/api/analytics/summary", h.AnalyticsHandler.Summary)
	r.Get("/healthz", h.HealthHandler.Healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(lg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			lg.Debug("http_request", map[string]any{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}
