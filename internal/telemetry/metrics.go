package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionAttempts    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_submission_attempts_total", Help: "Submission attempts by outcome"}, []string{"outcome"})
	JobsCompleted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_completed_total", Help: "Jobs confirmed by the ledger"})
	JobsFailed            = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_failed_total", Help: "Jobs that failed terminally"})
	JobsRequeued          = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_requeued_total", Help: "Jobs returned to the front of their identity queue"})
	RetryAttempts         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_retry_attempts_total", Help: "Attempts retried by the retry engine"})
	SequenceResyncs       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_sequence_resyncs_total", Help: "Sequence counter resynchronizations"}, []string{"result"})
	IdentityDeactivations = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_identity_deactivations_total", Help: "Identities deactivated after fatal or repeated failures"})
	BatchesCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_batches_total", Help: "Batch runs finished"})
	ThrottleWait          = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatch_throttle_wait_seconds", Help: "Time spent waiting for a throttle slot", Buckets: prometheus.ExponentialBuckets(0.001, 4, 8)})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Pending jobs across identity queues"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Submissions currently in flight"})
	ActiveIdentities      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_active_identities", Help: "Registered identities still active"})
	WorkersGauge          = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dispatch_identity_workers", Help: "Worker loops per identity"}, []string{"identity"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionAttempts,
			JobsCompleted,
			JobsFailed,
			JobsRequeued,
			RetryAttempts,
			SequenceResyncs,
			IdentityDeactivations,
			BatchesCompleted,
			ThrottleWait,
			QueueDepthGauge,
			InFlightGauge,
			ActiveIdentities,
			WorkersGauge,
		)
	})
	return promhttp.Handler()
}
