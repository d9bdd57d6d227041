package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kairosinfer/disaggsched/scheduler"
)

// simClient is an in-memory WorkerClient/Transporter standing in for real
// vLLM workers, used only by this demo harness.
type simClient struct{}

func newSimClient() *simClient { return &simClient{} }

func (c *simClient) Prefill(ctx context.Context, w *scheduler.Worker, requestID, prompt, modelID string) (scheduler.PrefillResult, error) {
	time.Sleep(5 * time.Millisecond)
	return scheduler.PrefillResult{
		KVCacheHandle: "handle-" + requestID,
		PromptTokens:  len(prompt),
		LatencyMs:     5,
	}, nil
}

func (c *simClient) Decode(ctx context.Context, w *scheduler.Worker, requestID, kvCacheHandle, modelID string, params scheduler.SamplingParams) (scheduler.DecodeResult, error) {
	time.Sleep(10 * time.Millisecond)
	return scheduler.DecodeResult{
		Text:             fmt.Sprintf("decoded(%s)", kvCacheHandle),
		CompletionTokens: params.MaxTokens,
		LatencyMs:        10,
	}, nil
}

func (c *simClient) Health(ctx context.Context, w *scheduler.Worker) scheduler.HealthResult {
	return scheduler.HealthResult{Healthy: true, GPUUtilization: 0.2, ActiveRequests: w.ActiveRequests}
}

func (c *simClient) Export(ctx context.Context, endpoint, cacheHandle string) (string, error) {
	return "token-" + cacheHandle, nil
}

func (c *simClient) Import(ctx context.Context, endpoint, transferToken, sourceWorker string) (string, error) {
	return transferToken + "-imported", nil
}
