// Package observability holds the scheduler's Prometheus metric
// definitions.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of requests waiting to be dispatched,
	// refreshed on each admission and each dispatch tick.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sched_queue_depth",
		Help: "Current number of requests in the scheduling queue",
	})

	// QueueOldestRequestAge tracks the age of the oldest queued request.
	QueueOldestRequestAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sched_queue_oldest_request_age_seconds",
		Help: "Age of the oldest request in the queue, in seconds",
	}, []string{"priority"})

	// ActivePipelines tracks in-flight requests by pipeline phase.
	ActivePipelines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sched_active_pipelines",
		Help: "Current number of in-flight requests by phase",
	}, []string{"phase"})

	// RequestsCompleted tracks successfully completed requests.
	RequestsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sched_requests_completed_total",
		Help: "Total number of requests completed successfully",
	})

	// RequestsFailed tracks failed requests by error kind.
	RequestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_requests_failed_total",
		Help: "Total number of requests that failed, by error kind",
	}, []string{"kind"})

	// SchedulerRejections tracks requests rejected at admission, by reason.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_admission_rejections_total",
		Help: "Requests rejected by admission control, by reason",
	}, []string{"reason"}) // queue_full, circuit_open, rate_limited

	// CircuitState tracks the admission circuit breaker's current state.
	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sched_circuit_breaker_state",
		Help: "Admission circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// PhaseLatency tracks per-phase latency distributions.
	PhaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sched_phase_latency_seconds",
		Help:    "Latency distribution per pipeline phase",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"phase"})

	// TransferActive tracks the KV-cache transfer manager's active count.
	TransferActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sched_kv_transfer_active",
		Help: "Current number of in-flight KV-cache transfers",
	})

	// TransferPending tracks the KV-cache transfer manager's FIFO backlog.
	TransferPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sched_kv_transfer_pending",
		Help: "Current number of KV-cache transfers waiting for a free slot",
	})

	// WorkerOffline tracks worker offline transitions.
	WorkerOffline = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_worker_offline_total",
		Help: "Total number of worker offline transitions",
	}, []string{"role"})

	// WorkerGPUUtilization tracks the last-observed GPU utilization per worker.
	WorkerGPUUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sched_worker_gpu_utilization",
		Help: "Last-observed GPU utilization per worker (0-1)",
	}, []string{"worker_id", "role"})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_event_publish_failures_total",
		Help: "Failed event publish attempts (best-effort, never blocks the pipeline)",
	}, []string{"event_type", "reason"})

	// DispatchLoopDuration tracks the duration of a single dispatch tick.
	DispatchLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sched_dispatch_loop_duration_seconds",
		Help:    "Duration of a single dispatch tick",
		Buckets: prometheus.DefBuckets,
	})
)
