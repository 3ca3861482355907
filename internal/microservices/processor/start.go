package processor

import (
	"context"

	"order-pipeline/internal/common/bus"
	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/common/metrics"
	"order-pipeline/internal/config"
	analytics "order-pipeline/internal/microservices/analytics/repository"
	orders "order-pipeline/internal/microservices/order/repository"
	"order-pipeline/internal/microservices/processor/service"
)

// Run consumes the configured subscription until ctx is done.
func Run(
	ctx context.Context,
	cfg config.PubSubConfig,
	orderRepo orders.OrderRepositoryInterface,
	sink analytics.AnalyticsRepositoryInterface,
	source bus.Subscriber,
	lg *logger.Logger,
	m *metrics.Metrics,
	opts ...service.Option,
) error {
	opts = append([]service.Option{
		service.WithMaxInFlight(cfg.MaxInFlight),
		service.WithMaxAttempts(cfg.MaxAttempts),
	}, opts...)
	svc := service.NewProcessorService(orderRepo, sink, source, cfg.Subscription, lg, m, opts...)

	if err := svc.Run(ctx); err != nil {
		lg.Error("processor_stopped", err, map[string]any{"subscription": cfg.Subscription})
		return err
	}
	lg.Info("processor_stopped", map[string]any{"subscription": cfg.Subscription})
	return nil
}
