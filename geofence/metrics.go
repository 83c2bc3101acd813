package geofence

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/rtlstream/metric"
)

// Metrics is shared by every evaluator in the process.
type Metrics struct {
	evaluations prometheus.Counter
	fired       *prometheus.CounterVec
	errors      prometheus.Counter
	notifyFail  prometheus.Counter
	evictions   prometheus.Counter
}

// NewMetrics registers geofence metrics. Returns nil when registry is nil.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "geofence",
			Name:      "evaluations_total",
			Help:      "Trigger checks performed",
		}),
		fired: registry.CoreMetrics().TriggersFired,
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "geofence",
			Name:      "evaluation_errors_total",
			Help:      "Trigger checks rejected because the trigger is invalid",
		}),
		notifyFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "geofence",
			Name:      "notify_failures_total",
			Help:      "Best-effort trigger notifications that failed",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtlstream",
			Subsystem: "geofence",
			Name:      "subject_state_evictions_total",
			Help:      "Remembered subject states dropped by size or idle expiry",
		}),
	}

	registry.RegisterCounter("geofence", "evaluations_total", m.evaluations)
	registry.RegisterCounter("geofence", "evaluation_errors_total", m.errors)
	registry.RegisterCounter("geofence", "notify_failures_total", m.notifyFail)
	registry.RegisterCounter("geofence", "subject_state_evictions_total", m.evictions)
	return m
}

func (m *Metrics) recordEvaluation() {
	if m != nil {
		m.evaluations.Inc()
	}
}

func (m *Metrics) recordFired(d Direction) {
	if m != nil {
		m.fired.WithLabelValues(d.String()).Inc()
	}
}

func (m *Metrics) recordError() {
	if m != nil {
		m.errors.Inc()
	}
}

func (m *Metrics) recordNotifyFailure() {
	if m != nil {
		m.notifyFail.Inc()
	}
}

func (m *Metrics) recordStateEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}
