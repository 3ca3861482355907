package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-pipeline/internal/common/bus"
	"order-pipeline/internal/common/bus/membus"
	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/common/metrics"
	analytics "order-pipeline/internal/microservices/analytics/repository"
	"order-pipeline/internal/microservices/order/domain"
	orders "order-pipeline/internal/microservices/order/repository"
	orderservice "order-pipeline/internal/microservices/order/service"
)

type fakeMessage struct {
	body    []byte
	attempt int

	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func newFakeMessage(body []byte) *fakeMessage { return &fakeMessage{body: body, attempt: 1} }

func (m *fakeMessage) ID() string   { return "msg-1" }
func (m *fakeMessage) Body() []byte { return m.body }
func (m *fakeMessage) Attempt() int { return m.attempt }

func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *fakeMessage) Nack(requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacks++
	m.requeue = append(m.requeue, requeue)
	return nil
}

// recordingOrders counts UpdateStatus calls on top of the in-memory store.
type recordingOrders struct {
	*orders.InMemoryOrderRepository
	mu      sync.Mutex
	updates []domain.Status
	err     error
}

func (r *recordingOrders) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Order, bool, error) {
	r.mu.Lock()
	r.updates = append(r.updates, status)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return domain.Order{}, false, err
	}
	return r.InMemoryOrderRepository.UpdateStatus(ctx, id, status)
}

type flakySink struct {
	*analytics.InMemoryAnalyticsRepository
	mu       sync.Mutex
	failures int
	reject   bool
}

func (s *flakySink) Insert(ctx context.Context, o domain.Order) (bool, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return false, errors.New("sink unavailable")
	}
	reject := s.reject
	s.mu.Unlock()
	if reject {
		return false, nil
	}
	return s.InMemoryAnalyticsRepository.Insert(ctx, o)
}

type fixture struct {
	orders *recordingOrders
	sink   *flakySink
	m      *metrics.Metrics
}

func newFixture() *fixture {
	return &fixture{
		orders: &recordingOrders{InMemoryOrderRepository: orders.NewInMemoryOrderRepository()},
		sink:   &flakySink{InMemoryAnalyticsRepository: analytics.NewInMemoryAnalyticsRepository()},
		m:      metrics.New(nil),
	}
}

func (f *fixture) processor(src bus.Subscriber, opts ...Option) *ProcessorService {
	return NewProcessorService(f.orders, f.sink, src, "orders-processing", logger.Nop(), f.m, opts...)
}

func (f *fixture) saved(t *testing.T) domain.Order {
	t.Helper()
	o := domain.NewOrder(domain.CreateOrderRequest{CustomerID: "C001", ProductName: "Widget", Quantity: 5, TotalAmount: 99.99}, time.Now())
	_, err := f.orders.Save(context.Background(), o)
	require.NoError(t, err)
	return o
}

func encoded(t *testing.T, o domain.Order) []byte {
	t.Helper()
	b, err := domain.Encode(o)
	require.NoError(t, err)
	return b
}

func TestConsumeCompletesOrder(t *testing.T) {
	f := newFixture()
	o := f.saved(t)
	msg := newFakeMessage(encoded(t, o))

	outcome := f.processor(nil).Consume(context.Background(), msg)

	assert.Equal(t, bus.Ack, outcome)
	assert.Equal(t, 1, msg.acks)
	assert.Zero(t, msg.nacks)
	assert.Equal(t, []domain.Status{domain.StatusProcessing, domain.StatusCompleted}, f.orders.updates)

	stored, ok, err := f.orders.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.True(t, stored.UpdatedAt.After(stored.CreatedAt))

	n, err := f.sink.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.Messages.WithLabelValues("ack")))
	assert.Zero(t, testutil.ToFloat64(f.m.InFlight))
}

func TestConsumeMalformedPayloadIsRejected(t *testing.T) {
	for _, body := range []string{"not json", `{"customerId":"C001"}`, `{"id":"x","status":"SHIPPED"}`} {
		t.Run(body, func(t *testing.T) {
			f := newFixture()
			msg := newFakeMessage([]byte(body))

			order, outcome, err := f.processor(nil).HandleMessage(context.Background(), msg)
			assert.Equal(t, bus.Reject, outcome)
			assert.ErrorIs(t, err, domain.ErrMalformedPayload)
			assert.ErrorIs(t, err, ErrDLQ)
			assert.Empty(t, order.ID)
			assert.Empty(t, f.orders.updates)

			f.processor(nil).Consume(context.Background(), msg)
			assert.Zero(t, msg.acks)
			assert.Equal(t, []bool{false}, msg.requeue)
			n, _ := f.sink.Count(context.Background())
			assert.Zero(t, n)
		})
	}
}

func TestConsumeFallsBackToSnapshot(t *testing.T) {
	f := newFixture()
	o := domain.NewOrder(domain.CreateOrderRequest{CustomerID: "C009", ProductName: "Gadget", Quantity: 1, TotalAmount: 12.5}, time.Now())
	msg := newFakeMessage(encoded(t, o))

	order, outcome, err := f.processor(nil).HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, bus.Ack, outcome)
	assert.Equal(t, o.ID, order.ID)
	assert.Equal(t, domain.StatusCompleted, order.Status)
	assert.Equal(t, "Gadget", order.ProductName)
	assert.True(t, order.UpdatedAt.After(o.CreatedAt))

	_, ok, err := f.orders.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.False(t, ok, "fallback does not create a store record")

	total, err := f.sink.TotalAmount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.5, total)
}

func TestConsumeTransientFailuresNack(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture, opts *[]Option)
	}{
		{"sink error", func(f *fixture, _ *[]Option) { f.sink.failures = 1 }},
		{"sink not accepted", func(f *fixture, _ *[]Option) { f.sink.reject = true }},
		{"store error", func(f *fixture, _ *[]Option) { f.orders.err = errors.New("connection reset") }},
		{"rule error", func(_ *fixture, opts *[]Option) {
			*opts = append(*opts, WithBusinessRule(failingRule))
		}},
		{"rule panic", func(_ *fixture, opts *[]Option) {
			*opts = append(*opts, WithBusinessRule(func(context.Context, domain.Order) (domain.Order, error) {
				panic("boom")
			}))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			var opts []Option
			tt.setup(f, &opts)
			msg := newFakeMessage(encoded(t, f.saved(t)))

			outcome := f.processor(nil, opts...).Consume(context.Background(), msg)

			assert.Equal(t, bus.Nack, outcome)
			assert.Zero(t, msg.acks)
			assert.Equal(t, []bool{true}, msg.requeue)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.m.Messages.WithLabelValues("nack")))
		})
	}
}

func TestConsumeRuleSeesProcessingOrder(t *testing.T) {
	f := newFixture()
	o := f.saved(t)
	var seen domain.Status
	p := f.processor(nil, WithBusinessRule(func(_ context.Context, order domain.Order) (domain.Order, error) {
		seen = order.Status
		return order, nil
	}))

	assert.Equal(t, bus.Ack, p.Consume(context.Background(), newFakeMessage(encoded(t, o))))
	assert.Equal(t, domain.StatusProcessing, seen)
}

func failingRule(context.Context, domain.Order) (domain.Order, error) {
	return domain.Order{}, errors.New("inventory check failed")
}

func TestConsumeMaxAttemptsMarksFailed(t *testing.T) {
	f := newFixture()
	o := f.saved(t)
	p := f.processor(nil, WithMaxAttempts(3), WithBusinessRule(failingRule))

	msg := newFakeMessage(encoded(t, o))
	msg.attempt = 2
	assert.Equal(t, bus.Nack, p.Consume(context.Background(), msg))

	stored, _, err := f.orders.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)

	msg = newFakeMessage(encoded(t, o))
	msg.attempt = 3
	assert.Equal(t, bus.Reject, p.Consume(context.Background(), msg))
	assert.Equal(t, []bool{false}, msg.requeue)

	stored, _, err = f.orders.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}

func TestConsumePanicPastCapMarksFailed(t *testing.T) {
	f := newFixture()
	o := f.saved(t)
	p := f.processor(nil, WithMaxAttempts(1), WithBusinessRule(func(context.Context, domain.Order) (domain.Order, error) {
		panic("boom")
	}))

	order, outcome, err := p.HandleMessage(context.Background(), newFakeMessage(encoded(t, o)))
	assert.Equal(t, bus.Reject, outcome)
	assert.ErrorIs(t, err, ErrRequeue)
	assert.Equal(t, o.ID, order.ID)

	stored, _, err := f.orders.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}

func TestConsumeSinkFailurePastCapKeepsCompleted(t *testing.T) {
	f := newFixture()
	f.sink.failures = 1
	o := f.saved(t)
	p := f.processor(nil, WithMaxAttempts(1))

	assert.Equal(t, bus.Reject, p.Consume(context.Background(), newFakeMessage(encoded(t, o))))

	stored, _, err := f.orders.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestConsumeRedeliveryOfCompletedOrder(t *testing.T) {
	f := newFixture()
	o := f.saved(t)
	ctx := context.Background()
	done, _, err := f.orders.InMemoryOrderRepository.UpdateStatus(ctx, o.ID, domain.StatusCompleted)
	require.NoError(t, err)

	outcome := f.processor(nil).Consume(ctx, newFakeMessage(encoded(t, o)))

	assert.Equal(t, bus.Ack, outcome)
	assert.Empty(t, f.orders.updates, "completed order is not reopened")
	stored, _, err := f.orders.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, done, stored)

	n, _ := f.sink.Count(ctx)
	assert.Equal(t, int64(1), n)
}

func TestConsumeRedeliveryOfFailedOrder(t *testing.T) {
	f := newFixture()
	o := f.saved(t)
	ctx := context.Background()
	_, _, err := f.orders.InMemoryOrderRepository.UpdateStatus(ctx, o.ID, domain.StatusFailed)
	require.NoError(t, err)

	outcome := f.processor(nil).Consume(ctx, newFakeMessage(encoded(t, o)))

	assert.Equal(t, bus.Ack, outcome)
	assert.Empty(t, f.orders.updates)
	stored, _, err := f.orders.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)

	n, _ := f.sink.Count(ctx)
	assert.Zero(t, n)
}

func newBus() *membus.Bus {
	b := membus.New()
	b.Bind("orders", "orders-processing")
	return b
}

func startRun(t *testing.T, p *ProcessorService) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture()
	b := newBus()
	m := metrics.New(nil)
	pub := orderservice.NewOrderPublisher(b, "orders", time.Second, logger.Nop(), m)
	svc := orderservice.NewOrderService(f.orders, pub, logger.Nop(), m)

	cancel, done := startRun(t, f.processor(b))
	defer stop(t, cancel, done)

	req := domain.CreateOrderRequest{CustomerID: "C001", ProductName: "Widget", Quantity: 5, TotalAmount: 99.99}
	created, err := svc.CreateOrder(context.Background(), &req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, created.Status)
	svc.Wait()

	require.Eventually(t, func() bool {
		return b.Stats("orders-processing").Acked == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, ok, err := svc.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	n, _ := f.sink.Count(context.Background())
	total, _ := f.sink.TotalAmount(context.Background())
	assert.Equal(t, int64(1), n)
	assert.InDelta(t, 99.99, total, 1e-9)
}

func TestRunSurvivesMalformedMessage(t *testing.T) {
	f := newFixture()
	b := newBus()
	cancel, done := startRun(t, f.processor(b))
	defer stop(t, cancel, done)

	ctx := context.Background()
	_, err := b.Publish(ctx, "orders", bus.Envelope{Body: []byte("{garbage")})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "orders", bus.Envelope{Body: encoded(t, f.saved(t))})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := b.Stats("orders-processing")
		return st.Acked == 1 && st.Dead == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("{garbage")}, b.DeadLetters("orders-processing"))
}

func TestRunRedeliversAfterSinkFailure(t *testing.T) {
	f := newFixture()
	f.sink.failures = 1
	b := newBus()
	cancel, done := startRun(t, f.processor(b))
	defer stop(t, cancel, done)

	o := f.saved(t)
	_, err := b.Publish(context.Background(), "orders", bus.Envelope{Key: o.ID, Body: encoded(t, o)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Stats("orders-processing").Acked == 1
	}, 2*time.Second, 10*time.Millisecond)
	st := b.Stats("orders-processing")
	assert.Equal(t, 1, st.Nacked)
	n, _ := f.sink.Count(context.Background())
	assert.Equal(t, int64(1), n)
}

func TestRunFinishesInFlightOnCancel(t *testing.T) {
	f := newFixture()
	b := newBus()
	started := make(chan struct{})
	release := make(chan struct{})
	p := f.processor(b, WithBusinessRule(func(ctx context.Context, o domain.Order) (domain.Order, error) {
		close(started)
		<-release
		return o, ctx.Err()
	}))
	cancel, done := startRun(t, p)

	_, err := b.Publish(context.Background(), "orders", bus.Envelope{Body: encoded(t, f.saved(t))})
	require.NoError(t, err)
	<-started

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before in-flight message settled")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, b.Stats("orders-processing").Acked)
}

func TestRunWithoutBus(t *testing.T) {
	f := newFixture()
	cancel, done := startRun(t, f.processor(nil))
	stop(t, cancel, done)
}

type closedSource struct{}

func (closedSource) Subscribe(context.Context, string, int) (<-chan bus.Message, error) {
	ch := make(chan bus.Message)
	close(ch)
	return ch, nil
}

type failingSource struct{}

func (failingSource) Subscribe(context.Context, string, int) (<-chan bus.Message, error) {
	return nil, bus.ErrClosed
}

func TestRunSubscriptionErrors(t *testing.T) {
	f := newFixture()

	err := f.processor(closedSource{}).Run(context.Background())
	assert.ErrorContains(t, err, "closed by the bus")

	err = f.processor(failingSource{}).Run(context.Background())
	assert.ErrorIs(t, err, bus.ErrClosed)
}
