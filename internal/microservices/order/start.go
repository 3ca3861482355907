package order

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"order-pipeline/internal/common/httpx"
	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/config"
	analytics "order-pipeline/internal/microservices/analytics/service"
	"order-pipeline/internal/microservices/order/handlers"
	"order-pipeline/internal/microservices/order/service"
)

// Run serves the order API on cfg.Port until ctx is done.
func Run(
	ctx context.Context,
	cfg config.HTTPConfig,
	orders service.OrderServiceInterface,
	summary analytics.AnalyticsServiceInterface,
	checks map[string]handlers.HealthCheck,
	gatherer prometheus.Gatherer,
	lg *logger.Logger,
) error {
	h := handlers.New(orders, summary, cfg.StreamDelay, lg, checks)
	addr := ":" + strconv.Itoa(cfg.Port)
	srv := httpx.New(addr, handlers.Router(h, lg, gatherer))

	lg.Info("service_started", map[string]any{"addr": addr})
	if err := srv.Run(ctx); err != nil {
		lg.Error("service_stopped", err, map[string]any{"addr": addr})
		return err
	}
	lg.Info("service_stopped", map[string]any{"addr": addr})
	return nil
}
