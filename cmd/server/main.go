package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"order-pipeline/internal/common/bus"
	"order-pipeline/internal/common/bus/membus"
	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/common/metrics"
	"order-pipeline/internal/config"
	"order-pipeline/internal/connections/database"
	"order-pipeline/internal/connections/rabbitmq"
	"order-pipeline/internal/connections/redisdb"
	analyticsrepo "order-pipeline/internal/microservices/analytics/repository"
	analytics "order-pipeline/internal/microservices/analytics/service"
	"order-pipeline/internal/microservices/order"
	"order-pipeline/internal/microservices/order/handlers"
	orderrepo "order-pipeline/internal/microservices/order/repository"
	"order-pipeline/internal/microservices/order/service"
	"order-pipeline/internal/microservices/processor"
)

const (
	modeAll       = "all"
	modeOrders    = "order-service"
	modeProcessor = "processor"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (defaults run fully in-process)")
	mode := flag.String("mode", modeAll, "all | order-service | processor")
	flag.Parse()

	lg := logger.New("bootstrap")

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.LoadConfig(*cfgPath)
		if err != nil {
			lg.Error("config_load_failed", err, map[string]any{"path": *cfgPath})
			os.Exit(1)
		}
		cfg = *loaded
	}
	logger.SetLevel(cfg.Log.Level)

	switch *mode {
	case modeAll, modeOrders, modeProcessor:
	default:
		fmt.Fprintln(os.Stderr, "--mode must be one of: all | order-service | processor")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *mode, lg); err != nil {
		lg.Error("fatal", err, nil)
		os.Exit(1)
	}
	lg.Info("graceful_shutdown", map[string]any{"mode": *mode})
}

type closers []func()

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg config.Config, mode string, lg *logger.Logger) error {
	if mode != modeAll && (cfg.Storage.Driver == config.DriverMemory || cfg.PubSub.Driver == config.DriverMemory) {
		lg.Warn("in_process_backend", map[string]any{
			"mode":    mode,
			"storage": cfg.Storage.Driver,
			"pubsub":  cfg.PubSub.Driver,
			"note":    "in-memory state is not shared with other processes",
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var cl closers
	defer func() { cl.close() }()
	checks := make(map[string]handlers.HealthCheck)

	orderRepo, sink, err := openStorage(ctx, cfg, lg, &cl, checks)
	if err != nil {
		return err
	}
	pub, sub, err := openBus(cfg, lg, &cl, checks)
	if err != nil {
		return err
	}

	publisher := service.NewOrderPublisher(pub, cfg.PubSub.Topic, cfg.PubSub.PublishTimeout, logger.New("publisher"), m)
	orderSvc := service.NewOrderService(orderRepo, publisher, logger.New("order-service"), m)
	defer orderSvc.Wait()

	g, gctx := errgroup.WithContext(ctx)
	if mode == modeAll || mode == modeOrders {
		g.Go(func() error {
			return order.Run(gctx, cfg.HTTP, orderSvc, analytics.NewAnalyticsService(sink), checks, reg, logger.New("order-service"))
		})
	}
	if mode == modeAll || mode == modeProcessor {
		g.Go(func() error {
			return processor.Run(gctx, cfg.PubSub, orderRepo, sink, sub, logger.New("processor"), m)
		})
	}
	return g.Wait()
}

func openStorage(
	ctx context.Context,
	cfg config.Config,
	lg *logger.Logger,
	cl *closers,
	checks map[string]handlers.HealthCheck,
) (orderrepo.OrderRepositoryInterface, analyticsrepo.AnalyticsRepositoryInterface, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db := cfg.Database
		pool, err := database.Connect(ctx, database.Config{
			Host:     db.Host,
			Port:     db.Port,
			User:     db.User,
			Password: db.Password,
			Database: db.Database,
			MaxConns: db.MaxConns,
		})
		if err != nil {
			return nil, nil, err
		}
		*cl = append(*cl, pool.Close)
		if err := database.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
		checks["postgres"] = pool.Ping
		lg.Info("db_connected", map[string]any{"host": db.Host, "port": db.Port, "database": db.Database})
		return orderrepo.NewPostgresOrderRepository(pool), analyticsrepo.NewPostgresAnalyticsRepository(pool), nil

	case config.DriverRedis:
		rdb, err := redisdb.Connect(ctx, redisdb.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return nil, nil, err
		}
		*cl = append(*cl, func() { _ = rdb.Close() })
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		lg.Info("redis_connected", map[string]any{"addr": cfg.Redis.Addr})
		return orderrepo.NewRedisOrderRepository(rdb), analyticsrepo.NewRedisAnalyticsRepository(rdb), nil

	case config.DriverMemory:
		return orderrepo.NewInMemoryOrderRepository(), analyticsrepo.NewInMemoryAnalyticsRepository(), nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// openBus returns nil interfaces for the "none" driver, which the publisher
// and processor treat as "not configured".
func openBus(cfg config.Config, lg *logger.Logger, cl *closers, checks map[string]handlers.HealthCheck) (bus.Publisher, bus.Subscriber, error) {
	ps := cfg.PubSub
	switch ps.Driver {
	case config.DriverNone:
		lg.Warn("pubsub_disabled", nil)
		return nil, nil, nil

	case config.DriverMemory:
		b := membus.New()
		b.Bind(ps.Topic, ps.Subscription)
		*cl = append(*cl, b.Close)
		return b, b, nil

	case config.DriverRabbitMQ:
		rc := cfg.RabbitMQ
		client, err := rabbitmq.Dial(rabbitmq.Config{
			Host:     rc.Host,
			Port:     rc.Port,
			User:     rc.User,
			Password: rc.Password,
			VHost:    rc.VHost,
			UseTLS:   rc.UseTLS,
		}, logger.New("rabbitmq"))
		if err != nil {
			return nil, nil, err
		}
		*cl = append(*cl, client.Close)
		if err := client.DeclareTopology(ps.Topic, ps.Subscription, ps.DeadLetterExchange, ps.MaxAttempts); err != nil {
			return nil, nil, err
		}
		checks["rabbitmq"] = func(context.Context) error { return client.Ping() }
		lg.Info("rabbitmq_connected", map[string]any{"host": rc.Host, "port": rc.Port, "vhost": rc.VHost})
		return client, client, nil
	}
	return nil, nil, errors.New("unknown pubsub driver " + ps.Driver)
}
