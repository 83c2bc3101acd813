package notify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/rtlstream/metric"
)

// Metrics counts notification outcomes.
type Metrics struct {
	published *prometheus.CounterVec
}

// NewMetrics registers notify metrics. Returns nil when registry is nil.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "notify",
			Name:      "publishes_total",
			Help:      "Trigger notifications by outcome",
		}, []string{"outcome"}),
	}
	registry.RegisterCounterVec("notify", "publishes_total", m.published)
	return m
}

func (m *Metrics) record(outcome string) {
	if m != nil {
		m.published.WithLabelValues(outcome).Inc()
	}
}
