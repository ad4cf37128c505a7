// Package metrics exposes the coordinator's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the coordinator instruments so callers can share one
// registration.
type Metrics struct {
	JobsCreated     prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      prometheus.Counter
	BatchesAssigned prometheus.Counter
	BatchesComplete prometheus.Counter
	BatchesFailed   prometheus.Counter
	BatchesTimedOut prometheus.Counter
	BatchesDupes    prometheus.Counter
	BatchesLateWins prometheus.Counter

	WorkersConnected prometheus.Gauge
	BatchesPending   prometheus.Gauge
	BatchesInFlight  prometheus.Gauge
	SessionsActive   prometheus.Gauge

	BatchDuration prometheus.Histogram
}

// New registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "jobs", Name: "created_total",
			Help: "Jobs submitted.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "jobs", Name: "completed_total",
			Help: "Jobs that finished assembly.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "jobs", Name: "failed_total",
			Help: "Jobs that ended in failure.",
		}),
		BatchesAssigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "assigned_total",
			Help: "Batch assignments dispatched to workers.",
		}),
		BatchesComplete: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "completed_total",
			Help: "Batches settled completed.",
		}),
		BatchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "failed_total",
			Help: "Batch attempts that failed.",
		}),
		BatchesTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "timeout_total",
			Help: "Batch attempts reaped by the timeout sweep.",
		}),
		BatchesDupes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "duplicates_total",
			Help: "Straggler-mitigation duplicates issued.",
		}),
		BatchesLateWins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "late_results_total",
			Help: "Results discarded because a peer already settled.",
		}),
		WorkersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "upscaled", Subsystem: "workers", Name: "connected",
			Help: "Workers with a live connection.",
		}),
		BatchesPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "pending",
			Help: "Batches waiting for assignment.",
		}),
		BatchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "in_flight",
			Help: "Batches held by workers.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "upscaled", Subsystem: "sessions", Name: "active",
			Help: "Cached worker sessions.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "upscaled", Subsystem: "batches", Name: "duration_seconds",
			Help:    "Wall-clock time from assignment to settled completion.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
