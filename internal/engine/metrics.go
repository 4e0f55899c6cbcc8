package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes recorded in the dispatched counter.
const (
	OutcomeStored            = "stored"
	OutcomeIntegrityConflict = "integrity_conflict"
	OutcomeTransient         = "transient"
	OutcomeCancelled         = "cancelled"
	OutcomeConfiguration     = "configuration"
	OutcomeDiscarded         = "discarded"
)

// Metrics collects engine counters. One instance is shared by every engine
// in a process. A nil *Metrics records nothing.
type Metrics struct {
	enqueued   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	pending    prometheus.Gauge
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sesame",
			Subsystem: "context",
			Name:      "mutations_enqueued_total",
			Help:      "Mutations accepted by Save, by action.",
		}, []string{"action"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sesame",
			Subsystem: "context",
			Name:      "mutations_dispatched_total",
			Help:      "Mutations handled by the persistence worker, by action and outcome.",
		}, []string{"action", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sesame",
			Subsystem: "context",
			Name:      "mutations_pending",
			Help:      "Mutations accepted but not yet handled.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sesame",
			Subsystem: "context",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in sink calls, by action.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.dispatched, m.pending, m.duration)
	}
	return m
}

func (m *Metrics) recordEnqueued(a Action) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(string(a)).Inc()
	m.pending.Inc()
}

func (m *Metrics) recordDispatched(a Action, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(string(a), outcome).Inc()
	m.pending.Dec()
}

func (m *Metrics) observeDuration(a Action, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(a)).Observe(d.Seconds())
}
