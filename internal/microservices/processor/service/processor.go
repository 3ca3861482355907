package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-pipeline/internal/common/bus"
	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/common/metrics"
	analytics "order-pipeline/internal/microservices/analytics/repository"
	"order-pipeline/internal/microservices/order/domain"
	orders "order-pipeline/internal/microservices/order/repository"
)

var (
	ErrRequeue = errors.New("requeue")     // nack, the bus redelivers
	ErrDLQ     = errors.New("dead_letter") // nack without redelivery
)

// BusinessRule is the processing step between PROCESSING and COMPLETED. It
// gets the order as it stands after the PROCESSING transition; the returned
// order is what gets completed when the store has no record for it.
type BusinessRule func(ctx context.Context, order domain.Order) (domain.Order, error)

type ProcessorServiceInterface interface {
	Run(ctx context.Context) error
	HandleMessage(ctx context.Context, msg bus.Message) (domain.Order, bus.Outcome, error)
	Consume(ctx context.Context, msg bus.Message) bus.Outcome
}

type ProcessorService struct {
	orders    orders.OrderRepositoryInterface
	analytics analytics.AnalyticsRepositoryInterface
	source    bus.Subscriber // nil when no bus is configured
	lg        *logger.Logger
	m         *metrics.Metrics

	Subscription string
	MaxInFlight  int
	MaxAttempts  int // 0 = redeliver forever

	rule BusinessRule
	now  func() time.Time
}

type Option func(*ProcessorService)

func WithBusinessRule(r BusinessRule) Option { return func(s *ProcessorService) { s.rule = r } }

func WithMaxInFlight(n int) Option {
	return func(s *ProcessorService) {
		if n > 0 {
			s.MaxInFlight = n
		}
	}
}

// WithMaxAttempts dead-letters a message, and marks its order FAILED, once it
// has failed on its n-th delivery.
func WithMaxAttempts(n int) Option { return func(s *ProcessorService) { s.MaxAttempts = n } }

func NewProcessorService(
	orderRepo orders.OrderRepositoryInterface,
	sink analytics.AnalyticsRepositoryInterface,
	source bus.Subscriber,
	subscription string,
	lg *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *ProcessorService {
	s := &ProcessorService{
		orders:       orderRepo,
		analytics:    sink,
		source:       source,
		lg:           lg,
		m:            m,
		Subscription: subscription,
		MaxInFlight:  1000,
		now:          time.Now,
	}
	s.rule = s.noopRule
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run pulls from the subscription until ctx is done. Deliveries already
// taken keep running on a context that ignores the cancellation and are
// settled before Run returns.
func (s *ProcessorService) Run(ctx context.Context) error {
	if s.source == nil {
		s.lg.Warn("subscription_skipped", map[string]any{"reason": "bus not configured"})
		<-ctx.Done()
		return nil
	}

	msgs, err := s.source.Subscribe(ctx, s.Subscription, s.MaxInFlight)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Subscription, err)
	}
	s.lg.Info("subscription_started", map[string]any{"subscription": s.Subscription, "max_in_flight": s.MaxInFlight})

	workCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, s.MaxInFlight)
	var wg sync.WaitGroup
	for msg := range msgs {
		sem <- struct{}{}
		wg.Add(1)
		go func(msg bus.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			s.Consume(workCtx, msg)
		}(msg)
	}

	s.lg.Info("graceful_shutdown", map[string]any{"subscription": s.Subscription})
	wg.Wait()

	if ctx.Err() == nil {
		return fmt.Errorf("subscription %s closed by the bus", s.Subscription)
	}
	return nil
}

// Consume handles msg and settles it exactly once.
func (s *ProcessorService) Consume(ctx context.Context, msg bus.Message) bus.Outcome {
	start := s.now()
	s.m.InFlight.Inc()
	defer s.m.InFlight.Dec()

	order, outcome, err := s.HandleMessage(ctx, msg)

	fields := map[string]any{
		"message_id": msg.ID(),
		"order_id":   order.ID,
		"attempt":    msg.Attempt(),
		"outcome":    outcome.String(),
	}
	if serr := bus.Settle(msg, outcome); serr != nil {
		s.lg.Error("settle_failed", serr, fields)
	}
	s.m.Messages.WithLabelValues(outcome.String()).Inc()
	s.m.PipelineDuration.Observe(s.now().Sub(start).Seconds())

	switch outcome {
	case bus.Ack:
		s.lg.Info("message_acked", fields)
	default:
		s.lg.Error("message_nacked", err, fields)
	}
	return outcome
}

// HandleMessage runs the pipeline for one delivery and decides how it should
// be settled, without settling it. Panics are turned into a Nack.
func (s *ProcessorService) HandleMessage(ctx context.Context, msg bus.Message) (order domain.Order, outcome bus.Outcome, err error) {
	snapshot, err := domain.Decode(msg.Body())
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDLQ, err)
		return domain.Order{}, s.outcomeFor(ctx, domain.Order{}, msg.Attempt(), err), err
	}
	s.lg.Debug("order_received", map[string]any{"order_id": snapshot.ID, "message_id": msg.ID()})

	defer func() {
		if r := recover(); r != nil {
			if order.ID == "" {
				order = snapshot
			}
			err = fmt.Errorf("%w: panic: %v", ErrRequeue, r)
			outcome = s.outcomeFor(ctx, order, msg.Attempt(), err)
		}
	}()

	order, err = s.process(ctx, snapshot)
	return order, s.outcomeFor(ctx, order, msg.Attempt(), err), err
}

func (s *ProcessorService) process(ctx context.Context, snapshot domain.Order) (domain.Order, error) {
	// Status only moves forward: a redelivery for a finished order never
	// reopens it.
	current, found, err := s.orders.FindByID(ctx, snapshot.ID)
	if err != nil {
		return snapshot, fmt.Errorf("%w: load order: %w", ErrRequeue, err)
	}
	if found && current.Status.Terminal() {
		if current.Status == domain.StatusFailed {
			s.lg.Warn("order_already_failed", map[string]any{"order_id": current.ID})
			return current, nil
		}
		// The sink write may be the step that failed last time.
		s.lg.Info("order_already_completed", map[string]any{"order_id": current.ID})
		return s.record(ctx, current)
	}

	// CREATED -> PROCESSING; the payload stands in for a record the store lacks.
	order, ok, err := s.orders.UpdateStatus(ctx, snapshot.ID, domain.StatusProcessing)
	if err != nil {
		return snapshot, fmt.Errorf("%w: mark processing: %w", ErrRequeue, err)
	}
	if !ok {
		s.lg.Warn("order_not_found", map[string]any{"order_id": snapshot.ID, "fallback": "message payload"})
		order = snapshot.WithStatus(domain.StatusProcessing, s.now())
	}

	order, err = s.rule(ctx, order)
	if err != nil {
		return order, fmt.Errorf("%w: business rule: %w", ErrRequeue, err)
	}

	// PROCESSING -> COMPLETED; a miss here still carries the order forward.
	completed, ok, err := s.orders.UpdateStatus(ctx, order.ID, domain.StatusCompleted)
	if err != nil {
		return order, fmt.Errorf("%w: mark completed: %w", ErrRequeue, err)
	}
	if !ok {
		completed = order.WithStatus(domain.StatusCompleted, s.now())
	}
	return s.record(ctx, completed)
}

func (s *ProcessorService) record(ctx context.Context, completed domain.Order) (domain.Order, error) {
	inserted, err := s.analytics.Insert(ctx, completed)
	if err != nil {
		return completed, fmt.Errorf("%w: analytics insert: %w", ErrRequeue, err)
	}
	if !inserted {
		return completed, fmt.Errorf("%w: analytics insert not accepted", ErrRequeue)
	}
	return completed, nil
}

func (s *ProcessorService) outcomeFor(ctx context.Context, order domain.Order, attempt int, err error) bus.Outcome {
	switch {
	case err == nil:
		return bus.Ack
	case errors.Is(err, ErrDLQ):
		return bus.Reject
	case s.MaxAttempts > 0 && attempt >= s.MaxAttempts:
		s.markFailed(ctx, order.ID, attempt)
		return bus.Reject
	default:
		return bus.Nack
	}
}

func (s *ProcessorService) markFailed(ctx context.Context, id string, attempt int) {
	if id == "" {
		return
	}
	current, found, err := s.orders.FindByID(ctx, id)
	if err != nil {
		s.lg.Error("mark_failed_failed", err, map[string]any{"order_id": id})
		return
	}
	if !found || current.Status.Terminal() {
		return
	}
	if _, _, err := s.orders.UpdateStatus(ctx, id, domain.StatusFailed); err != nil {
		s.lg.Error("mark_failed_failed", err, map[string]any{"order_id": id})
		return
	}
	s.lg.Warn("order_failed", map[string]any{"order_id": id, "attempts": attempt})
}

func (s *ProcessorService) noopRule(_ context.Context, order domain.Order) (domain.Order, error) {
	s.lg.Debug("processing_business_logic", map[string]any{"order_id": order.ID})
	return order, nil
}
