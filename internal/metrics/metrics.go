// Package metrics exposes Prometheus instruments for arbitration, dispatch
// and the queue sweep.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the arbiter.
type Metrics struct {
	// Arbitration
	Recalculations *prometheus.CounterVec
	Preemptions    prometheus.Counter
	CASConflicts   *prometheus.CounterVec
	Assignments    *prometheus.CounterVec
	HelpModes      prometheus.Counter

	// Dispatch
	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Queue sweep
	SweepRuns     *prometheus.CounterVec
	SweepContacts *prometheus.CounterVec
	SweepDuration prometheus.Histogram

	// Events
	EventsPublished *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all metrics on the default registry. Later calls
// return the same instance.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			Recalculations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "arbiter_recalculations_total",
					Help: "Active-agent recalculations by outcome",
				},
				[]string{"outcome"},
			),
			Preemptions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "arbiter_preemptions_total",
				Help: "Recalculations that switched the active agent",
			}),
			CASConflicts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "arbiter_state_conflicts_total",
					Help: "Conversation state compare-and-set conflicts",
				},
				[]string{"operation"},
			),
			Assignments: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "arbiter_agent_assignments_total",
					Help: "Product agents assigned by type",
				},
				[]string{"product_type"},
			),
			HelpModes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "arbiter_help_mode_activations_total",
				Help: "Help mode activations",
			}),
			Dispatches: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "arbiter_dispatches_total",
					Help: "Message dispatch requests by source and result",
				},
				[]string{"source", "result"},
			),
			DispatchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "arbiter_dispatch_duration_seconds",
					Help:    "Latency of message generator calls",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
				},
				[]string{"source"},
			),
			SweepRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "arbiter_queue_sweeps_total",
					Help: "Queue sweeps by result",
				},
				[]string{"result"},
			),
			SweepContacts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "arbiter_queue_sweep_contacts_total",
					Help: "Contacts visited by the queue sweep by outcome",
				},
				[]string{"outcome"},
			),
			SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "arbiter_queue_sweep_duration_seconds",
				Help:    "Wall time of a queue sweep",
				Buckets: prometheus.DefBuckets,
			}),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "arbiter_events_published_total",
					Help: "State-transition events by sink and result",
				},
				[]string{"sink", "result"},
			),
		}
	})
	return sharedMetrics
}

// ObserveDispatch records one dispatch attempt.
func (m *Metrics) ObserveDispatch(source string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Dispatches.WithLabelValues(source, result).Inc()
	m.DispatchDuration.WithLabelValues(source).Observe(seconds)
}
