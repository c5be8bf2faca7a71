// Package metrics holds the Prometheus collectors of the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by every collector.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeDropped  = "dropped"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	conflicts         *prometheus.CounterVec
	notifications     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction does not panic.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chairtime_subscription_operations_total",
				Help: "Subscription operations by name and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chairtime_subscription_operation_duration_seconds",
				Help:    "Duration of subscription operations in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chairtime_scheduling_conflicts_total",
				Help: "Candidate slots found overlapping an existing booking.",
			},
			[]string{"operation"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chairtime_notifications_total",
				Help: "Lifecycle notifications by event kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) AddConflicts(operation string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.conflicts.WithLabelValues(operation).Add(float64(n))
}

func (m *Metrics) ObserveNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
