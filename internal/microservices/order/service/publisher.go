package service

import (
	"context"
	"time"

	"order-pipeline/internal/common/bus"
	"order-pipeline/internal/common/logger"
	"order-pipeline/internal/common/metrics"
	"order-pipeline/internal/microservices/order/domain"
)

const DefaultPublishTimeout = 5 * time.Second

type PublishStatus string

const (
	PublishOK      PublishStatus = "published"
	PublishSkipped PublishStatus = "skipped"
	PublishFailed  PublishStatus = "publish-failed"
)

// PublishResult never carries a fatal error: a failed publish is reported,
// logged and counted, and the caller carries on.
type PublishResult struct {
	Status    PublishStatus
	MessageID string
	Err       error
}

type OrderPublisherInterface interface {
	Publish(ctx context.Context, order domain.Order) PublishResult
}

type OrderPublisher struct {
	bus     bus.Publisher // nil when no bus is configured
	topic   string
	timeout time.Duration
	lg      *logger.Logger
	m       *metrics.Metrics
}

// NewOrderPublisher accepts a nil bus; every publish is then skipped.
func NewOrderPublisher(b bus.Publisher, topic string, timeout time.Duration, lg *logger.Logger, m *metrics.Metrics) *OrderPublisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &OrderPublisher{bus: b, topic: topic, timeout: timeout, lg: lg, m: m}
}

func (p *OrderPublisher) Publish(ctx context.Context, order domain.Order) PublishResult {
	if p.bus == nil {
		p.lg.Warn("publish_skipped", map[string]any{"order_id": order.ID, "reason": "bus not configured"})
		return p.done(PublishResult{Status: PublishSkipped})
	}

	body, err := domain.Encode(order)
	if err != nil {
		p.lg.Error("publish_failed", err, map[string]any{"order_id": order.ID})
		return p.done(PublishResult{Status: PublishFailed, Err: err})
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.lg.Debug("publishing_order", map[string]any{"order_id": order.ID, "topic": p.topic})
	id, err := p.bus.Publish(ctx, p.topic, bus.Envelope{
		Key:         order.ID,
		Body:        body,
		ContentType: domain.ContentType,
	})
	if err != nil {
		p.lg.Error("publish_failed", err, map[string]any{"order_id": order.ID, "topic": p.topic})
		return p.done(PublishResult{Status: PublishFailed, Err: err})
	}

	p.lg.Info("order_published", map[string]any{"order_id": order.ID, "message_id": id})
	return p.done(PublishResult{Status: PublishOK, MessageID: id})
}

func (p *OrderPublisher) done(r PublishResult) PublishResult {
	p.m.Publish.WithLabelValues(string(r.Status)).Inc()
	return r
}
