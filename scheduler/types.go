// Package scheduler implements the core of a dynamic request scheduler for
// disaggregated LLM inference: the worker registry, the priority queue and
// dispatch loop, the KV-cache transfer manager, and the health monitor.
package scheduler

import "time"

// Role identifies which phase of disaggregated serving a worker handles.
type Role string

const (
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
)

// Status is the lifecycle state of a worker as tracked by the pool.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusDraining Status = "draining"
	StatusOffline  Status = "offline"
)

// Priority ranks a request for queue ordering. Lower rank dispatches first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank returns the sort key for a priority: high=0, normal=1, low=2.
// Unknown priorities are treated as normal.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Phase is the point a request has reached along the pipeline DAG:
// queued -> prefilling -> transferring -> decoding -> completed, with any
// non-terminal phase able to transition directly to failed.
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhasePrefilling   Phase = "prefilling"
	PhaseTransferring Phase = "transferring"
	PhaseDecoding     Phase = "decoding"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Worker describes a single prefill or decode GPU worker.
type Worker struct {
	ID              string
	Endpoint        string
	Role            Role
	Status          Status
	GPUUtilization  float64
	ActiveRequests  int
	MaxConcurrency  int
	LastHealthCheck time.Time
	ModelID         string
	// Tier is an operator-assigned label (e.g. "canary"); the core never
	// assigns it, but the circuit breaker exempts canary-tier workers from
	// admission shedding the same way a staged rollout would want it to.
	Tier string
}

// WorkerSeed is the caller-supplied description used to register or
// re-register a worker.
type WorkerSeed struct {
	ID             string
	Endpoint       string
	Role           Role
	ModelID        string
	MaxConcurrency int
	Tier           string
}

// SamplingParams carries the optional decode-time generation knobs.
type SamplingParams struct {
	MaxTokens         int
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	Stop              []string
	Stream            bool
}

// Request is one inference request moving through the pipeline.
type Request struct {
	RequestID       string
	ModelID         string
	Prompt          string
	SamplingParams  SamplingParams
	Priority        Priority
	Phase           Phase
	CreatedAt       time.Time
	TimeoutMs       int64
	PrefillWorkerID string
	DecodeWorkerID  string
	KVCacheHandle   string
}

// Result is what a successful request resolves with.
type Result struct {
	RequestID         string
	Text              string
	TokenCount        int
	PrefillLatencyMs  int64
	TransferLatencyMs int64
	DecodeLatencyMs   int64
	TotalLatencyMs    int64
	PrefillWorkerID   string
	DecodeWorkerID    string
}

// CircuitBreakerConfig parameterizes the admission circuit breaker.
type CircuitBreakerConfig struct {
	QueueThreshold      int           // queue depth that trips the circuit open
	SaturationThreshold float64       // active-pipeline saturation (0-1) that trips it open
	CooldownPeriod      time.Duration // time spent open before a half-open trial
	TestLimit           int           // half-open trial requests needed before closing
}

// RateLimitConfig parameterizes the per-model admission limiter.
type RateLimitConfig struct {
	RatePerSecond float64
	Burst         int
}

// KVTransferConfig parameterizes the transfer manager.
type KVTransferConfig struct {
	MaxConcurrent int
	TimeoutMs     int64
}

// AuditConfig selects the optional write-only Postgres audit sink (see
// package audit). Disabled by default: no pgx connection is opened unless
// Enabled is set.
type AuditConfig struct {
	Enabled bool
	DSN     string
}

// EventPublisherConfig selects the events.Publisher implementation used for
// lifecycle event fan-out. Kind "redis" requires RedisAddr; any other value
// (including the empty string) falls back to the log-backed publisher.
type EventPublisherConfig struct {
	Kind      string // "log" | "redis"
	RedisAddr string
}

// SchedulerConfig holds all tunables for a Scheduler.
type SchedulerConfig struct {
	Strategy                string // round-robin | least-loaded | latency-aware
	HealthCheckIntervalMs   int64
	WorkerTimeoutMs         int64
	MaxQueueSize            int
	DefaultRequestTimeoutMs int64
	KVTransfer              KVTransferConfig
	CircuitBreaker          CircuitBreakerConfig
	ModelRateLimit          RateLimitConfig
	Audit                   AuditConfig
	EventPublisher          EventPublisherConfig
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Strategy:                "round-robin",
		HealthCheckIntervalMs:   10_000,
		WorkerTimeoutMs:         30_000,
		MaxQueueSize:            1_000,
		DefaultRequestTimeoutMs: 60_000,
		KVTransfer: KVTransferConfig{
			MaxConcurrent: 4,
			TimeoutMs:     15_000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			QueueThreshold:      1_000,
			SaturationThreshold: 0.95,
			CooldownPeriod:      30 * time.Second,
			TestLimit:           5,
		},
		ModelRateLimit: RateLimitConfig{
			RatePerSecond: 50,
			Burst:         10,
		},
		Audit:          AuditConfig{Enabled: false},
		EventPublisher: EventPublisherConfig{Kind: "log"},
	}
}

// WorkerSnapshot is the per-worker slice returned in a metrics snapshot.
type WorkerSnapshot struct {
	ID             string
	Role           Role
	Status         Status
	GPUUtilization float64
	ActiveRequests int
}

// SchedulerMetrics is the point-in-time snapshot returned by metrics().
type SchedulerMetrics struct {
	QueueDepth          int
	ActivePrefills      int
	ActiveTransfers     int
	ActiveDecodes       int
	TotalCompleted      int
	TotalFailed         int
	AvgLatencyMs        int64
	AvgPrefillLatencyMs int64
	AvgDecodeLatencyMs  int64
	CircuitBreakerState string
	Workers             []WorkerSnapshot
}
