// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by route pattern, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// JobsSubmittedTotal counts submissions by outcome: accepted, invalid, duplicate, unavailable.
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of job submissions by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// JobExecutionTotal counts execution attempts by kind and status
	// (success, retried, dead_lettered, lock_contended).
	JobExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_executions_total",
			Help: "Total number of job executions.",
		},
		[]string{"kind", "status"},
	)

	JobExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_execution_duration_seconds",
			Help:    "Time spent inside job handlers.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// WorkersBusy is the number of workers currently executing a job.
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_busy",
			Help: "Number of workers currently executing a job.",
		},
	)

	// CallbackDeliveriesTotal counts terminal notification outcomes (delivered, failed).
	CallbackDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callback_deliveries_total",
			Help: "Total number of callback notifications by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// CallbackAttemptsTotal counts every outbound callback POST.
	CallbackAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callback_attempts_total",
			Help: "Total number of callback HTTP attempts.",
		},
	)

	CallbacksReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callbacks_received_total",
			Help: "Total number of callbacks accepted by the receiver.",
		},
	)

	DeadLetterSinkErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dead_letter_sink_errors_total",
			Help: "Total number of failed writes to the primary dead letter sink.",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queued messages not currently claimed.",
		},
	)

	// ClaimsLostTotal counts running jobs whose queue claim expired or was
	// taken over before they finished.
	ClaimsLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_claims_lost_total",
			Help: "Total number of claims lost while their job was still running.",
		},
	)

	// SweeperReclaimedTotal counts expired claims returned to the queue by the sweeper.
	SweeperReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_reclaimed_total",
			Help: "Total number of expired queue claims reclaimed by the sweeper.",
		},
	)

	TasksAbandonedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_abandoned_total",
			Help: "Total number of tasks marked abandoned by the sweeper.",
		},
	)

	// IsLeader is 1 on the dispatcher currently running the sweeper.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)

// DeadLetterObserver feeds dead letter sink failures into DeadLetterSinkErrorsTotal.
type DeadLetterObserver struct{}

func (DeadLetterObserver) RecordDeadLetterSinkError() {
	DeadLetterSinkErrorsTotal.Inc()
}
