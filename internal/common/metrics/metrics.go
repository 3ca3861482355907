package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the order service and the pipeline.
type Metrics struct {
	OrdersCreated    prometheus.Counter
	Publish          *prometheus.CounterVec // label outcome: published | skipped | publish-failed
	Messages         *prometheus.CounterVec // label outcome: ack | nack | reject
	PipelineDuration prometheus.Histogram
	InFlight         prometheus.Gauge
}

// New creates the collectors and registers them on reg (nil skips registration).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orders",
			Name:      "created_total",
			Help:      "Orders persisted by the create path.",
		}),
		Publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orders",
			Name:      "publish_total",
			Help:      "Best-effort publish attempts by outcome.",
		}, []string{"outcome"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Pipeline deliveries by settlement outcome.",
		}, []string{"outcome"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orders",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Time from delivery to settlement.",
			Buckets:   prometheus.DefBuckets,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orders",
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Deliveries currently being processed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.OrdersCreated, m.Publish, m.Messages, m.PipelineDuration, m.InFlight)
	}
	return m
}
