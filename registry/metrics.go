package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/rtlstream/metric"
)

// Metrics for fan-out.
type Metrics struct {
	broadcasts  prometheus.Counter
	deliveries  prometheus.Counter
	failures    prometheus.Counter
	panics      prometheus.Counter
	subscribers prometheus.Gauge
	keys        prometheus.Gauge
	duration    prometheus.Histogram
}

// NewMetrics registers registry metrics. Returns nil when registry is nil.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "registry",
			Name:      "broadcasts_total",
			Help:      "Fan-out operations with at least one target",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "registry",
			Name:      "deliveries_total",
			Help:      "Successful per-subscriber deliveries",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "registry",
			Name:      "delivery_failures_total",
			Help:      "Deliveries that failed and removed their subscriber",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "registry",
			Name:      "delivery_panics_total",
			Help:      "Deliveries that panicked",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtlstream",
			Subsystem: "registry",
			Name:      "subscribers",
			Help:      "Registered subscribers",
		}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtlstream",
			Subsystem: "registry",
			Name:      "interest_keys",
			Help:      "Interest keys with at least one subscriber",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rtlstream",
			Subsystem: "registry",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one message out",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	registry.RegisterCounter("registry", "broadcasts_total", m.broadcasts)
	registry.RegisterCounter("registry", "deliveries_total", m.deliveries)
	registry.RegisterCounter("registry", "delivery_failures_total", m.failures)
	registry.RegisterCounter("registry", "delivery_panics_total", m.panics)
	registry.RegisterGauge("registry", "subscribers", m.subscribers)
	registry.RegisterGauge("registry", "interest_keys", m.keys)
	registry.RegisterHistogram("registry", "broadcast_duration_seconds", m.duration)
	return m
}

func (m *Metrics) recordBroadcast(delivered int, d time.Duration) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.deliveries.Add(float64(delivered))
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) recordFailure() {
	if m != nil {
		m.failures.Inc()
	}
}

func (m *Metrics) recordPanic() {
	if m != nil {
		m.panics.Inc()
	}
}

func (m *Metrics) setSizes(subscribers, keys int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(subscribers))
	m.keys.Set(float64(keys))
}
