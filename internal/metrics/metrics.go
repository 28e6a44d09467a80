// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters the job and reconciliation paths report to.
type Metrics struct {
	JobsSubmitted       *prometheus.CounterVec
	ReconcilePasses     *prometheus.CounterVec
	Refunds             prometheus.Counter
	CreditsConsumed     prometheus.Counter
	InsufficientCredits prometheus.Counter
	RemoteLatency       prometheus.Histogram
}

// New registers the collectors on the given registerer. Pass a fresh
// prometheus.NewRegistry in tests to avoid global registration clashes.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Jobs accepted for processing, by kind.",
		}, []string{"kind"}),
		ReconcilePasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_passes_total",
			Help: "Reconciliation passes, by outcome.",
		}, []string{"outcome"}),
		Refunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_refunds_total",
			Help: "Consume entries refunded after job failure or cancellation.",
		}),
		CreditsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Credits drawn down at job submission.",
		}),
		InsufficientCredits: factory.NewCounter(prometheus.CounterOpts{
			Name: "insufficient_credit_rejections_total",
			Help: "Submissions rejected for lack of credits.",
		}),
		RemoteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "remote_status_seconds",
			Help:    "Latency of remote worker status calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
