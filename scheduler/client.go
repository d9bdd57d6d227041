package scheduler

import "context"

// PrefillResult is what client.Prefill resolves with on success.
type PrefillResult struct {
	KVCacheHandle string
	PromptTokens  int
	LatencyMs     int64
}

// DecodeResult is what client.Decode resolves with on success.
type DecodeResult struct {
	Text             string
	CompletionTokens int
	LatencyMs        int64
}

// HealthResult is what client.Health resolves with. Health must never
// return an error to its own caller's caller — transport failures are
// folded into Healthy=false/Error.
type HealthResult struct {
	Healthy        bool
	GPUUtilization float64
	ActiveRequests int
	Error          error
}

// WorkerClient is the narrow contract the scheduling core consumes to
// talk to a worker. One implementation is remote (HTTP, production),
// another is an in-memory fake used in this package's own tests — the
// core never depends on either concretely.
type WorkerClient interface {
	Prefill(ctx context.Context, w *Worker, requestID, prompt, modelID string) (PrefillResult, error)
	Decode(ctx context.Context, w *Worker, requestID, kvCacheHandle, modelID string, params SamplingParams) (DecodeResult, error)
	// Health never returns a Go error: transport/HTTP failures are folded
	// into HealthResult{Healthy: false, Error: ...}.
	Health(ctx context.Context, w *Worker) HealthResult
}
