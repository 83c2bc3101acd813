package liveness

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/rtlstream/metric"
)

// Metrics is shared by every monitor in the process.
type Metrics struct {
	violations *prometheus.CounterVec
}

// NewMetrics registers liveness metrics. Returns nil when registry is nil.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "liveness",
			Name:      "violations_total",
			Help:      "Heartbeat violations by kind",
		}, []string{"kind"}),
	}
	registry.RegisterCounterVec("liveness", "violations_total", m.violations)
	return m
}

func (m *Metrics) recordViolation(kind string) {
	if m != nil {
		m.violations.WithLabelValues(kind).Inc()
	}
}
