package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued          = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_enqueued_total", Help: "Jobs appended to the dispatch queue"})
	QueueFullRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_queue_full_rejects_total", Help: "Submissions rejected because the dispatch queue was full"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Submissions rejected by the per-user rate limiter"})
	AuthRejects           = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_report_auth_rejects_total", Help: "Reports with a missing or invalid bearer token"})
	JobsCompleted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_failed_total", Help: "Jobs that reached failed, by error code"}, []string{"code"})
	JobsCancelled         = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_cancelled_total", Help: "Jobs that reached cancelled"})
	EntriesReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_entries_reclaimed_total", Help: "Stale queue entries transferred to a live consumer"})
	DuplicateReports      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_duplicate_reports_total", Help: "Lifecycle events suppressed as already applied"})
	InvalidTransitions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_invalid_transitions_total", Help: "Lifecycle events rejected by the state machine"})
	RelayPublished        = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_relay_published_total", Help: "Events handed to the status relay"})
	RelayDropped          = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_relay_dropped_total", Help: "Events dropped for slow or closed subscribers"})
	RelayConnections      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_relay_connections", Help: "Registered relay connections"})
	QueueOutstandingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_queue_outstanding", Help: "Entries appended but not yet acked"})
	QueuePendingGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_queue_pending", Help: "Entries delivered but not yet acked"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_worker_inflight", Help: "Entries being processed by this worker"})
	CollaboratorLatency   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_collaborator_seconds",
		Help:    "Generation collaborator call latency",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90},
	}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			QueueFullRejects,
			RateLimitRejects,
			AuthRejects,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			EntriesReclaimed,
			DuplicateReports,
			InvalidTransitions,
			RelayPublished,
			RelayDropped,
			RelayConnections,
			QueueOutstandingGauge,
			QueuePendingGauge,
			InFlightGauge,
			CollaboratorLatency,
		)
	})
	return promhttp.Handler()
}
