// Package metrics defines the Prometheus instrumentation for the ingestion
// core. Metrics are package-level collectors registered once at startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CapacityTrims counts entries dropped by per-user queue capacity caps.
	CapacityTrims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirix_capacity_trims_total",
			Help: "Queue entries trimmed because a per-user capacity cap was exceeded",
		},
		[]string{"queue"},
	)

	// Absorptions counts absorption cycles by outcome.
	Absorptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirix_absorptions_total",
			Help: "Absorption cycles by outcome (dispatched, skipped, failed)",
		},
		[]string{"outcome"},
	)

	// AbsorbLockContention counts absorb attempts skipped because another
	// pod held the lock.
	AbsorbLockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mirix_absorb_lock_contention_total",
			Help: "Absorption attempts skipped due to the distributed lock being held",
		},
	)

	// DispatchAgentFailures counts per-agent dispatch failures.
	DispatchAgentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirix_dispatch_agent_failures_total",
			Help: "Agent handler failures during dispatch",
		},
		[]string{"agent"},
	)

	// Uploads counts terminal upload outcomes.
	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirix_uploads_total",
			Help: "File uploads by terminal outcome (completed, failed)",
		},
		[]string{"outcome"},
	)

	// QueueDepth samples the staged-message queue length at each append,
	// aggregated across users. A histogram keeps the signal meaningful
	// without a per-user label explosion.
	QueueDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirix_staged_queue_depth",
			Help:    "Staged message queue depth sampled at append, across users",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

// Register registers all collectors with the given registerer. Passing a
// fresh registry keeps tests isolated from the global default.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CapacityTrims,
		Absorptions,
		AbsorbLockContention,
		DispatchAgentFailures,
		Uploads,
		QueueDepth,
	)
}
