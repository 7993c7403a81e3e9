package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes delivery counters and latency to prometheus
type Metrics struct {
	deliveries *prometheus.CounterVec
	exhausted  prometheus.Counter
	latency    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "queue",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "queue",
			Name:      "deliveries_exhausted_total",
			Help:      "Deliveries that exhausted their retry budget.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "queue",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.deliveries, m.exhausted, m.latency)
	}

	return m
}

func (m *Metrics) ObserveDelivery(success bool, d time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}

	m.deliveries.WithLabelValues(outcome).Inc()
	m.latency.Observe(d.Seconds())
}

func (m *Metrics) ObserveExhausted() {
	m.exhausted.Inc()
}
