// Package remoteclient implements scheduler.WorkerClient and
// scheduler.Transporter against the remote worker HTTP contract: JSON
// request/response DTOs over http.NewRequestWithContext, a shared
// *http.Client with a fixed timeout.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kairosinfer/disaggsched/scheduler"
)

// defaultCallTimeout is the per-client-call deadline used when the
// caller's context carries no earlier deadline.
const defaultCallTimeout = 30 * time.Second

// Client is the production WorkerClient, speaking the worker HTTP
// contract. LegacyFallback, off by default, enables the /completions
// fallback path.
type Client struct {
	HTTP           *http.Client
	LegacyFallback bool
}

// New returns a Client with the default call timeout.
func New() *Client {
	return &Client{HTTP: &http.Client{Timeout: defaultCallTimeout}}
}

type prefillRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	RequestID string `json:"request_id"`
}

type prefillResponse struct {
	KVCacheHandle string `json:"kv_cache_handle"`
	PromptTokens  int    `json:"prompt_tokens"`
}

// Prefill calls POST {endpoint}/prefill, falling back to /completions on
// a 404 if LegacyFallback is enabled.
func (c *Client) Prefill(ctx context.Context, w *scheduler.Worker, requestID, prompt, modelID string) (scheduler.PrefillResult, error) {
	start := time.Now()
	body := prefillRequest{Model: modelID, Prompt: prompt, RequestID: requestID}

	var resp prefillResponse
	status, err := c.postJSON(ctx, w.Endpoint+"/prefill", body, &resp)
	if err == nil && status != http.StatusNotFound {
		return scheduler.PrefillResult{
			KVCacheHandle: resp.KVCacheHandle,
			PromptTokens:  resp.PromptTokens,
			LatencyMs:     time.Since(start).Milliseconds(),
		}, nil
	}
	if err != nil {
		return scheduler.PrefillResult{}, err
	}

	if !c.LegacyFallback {
		return scheduler.PrefillResult{}, fmt.Errorf("prefill endpoint not found (404) and legacy fallback disabled")
	}

	var comp completionsResponse
	_, err = c.postJSON(ctx, w.Endpoint+"/completions", completionsRequest{
		Model: modelID, Prompt: prompt, MaxTokens: 1,
	}, &comp)
	if err != nil {
		return scheduler.PrefillResult{}, err
	}
	return scheduler.PrefillResult{
		KVCacheHandle: comp.ID,
		PromptTokens:  comp.Usage.PromptTokens,
		LatencyMs:     time.Since(start).Milliseconds(),
	}, nil
}

type decodeRequest struct {
	Model             string   `json:"model"`
	KVCacheHandle     string   `json:"kv_cache_handle"`
	RequestID         string   `json:"request_id"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	Stop              []string `json:"stop"`
}

type decodeResponse struct {
	Text             string `json:"text"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Decode calls POST {endpoint}/decode, falling back to /completions with
// a `<kv_cache:HANDLE>` prompt on a 404 if LegacyFallback is enabled.
func (c *Client) Decode(ctx context.Context, w *scheduler.Worker, requestID, kvCacheHandle, modelID string, params scheduler.SamplingParams) (scheduler.DecodeResult, error) {
	start := time.Now()
	body := decodeRequest{
		Model: modelID, KVCacheHandle: kvCacheHandle, RequestID: requestID,
		MaxTokens: params.MaxTokens, Temperature: params.Temperature, TopP: params.TopP,
		TopK: params.TopK, RepetitionPenalty: params.RepetitionPenalty, Stop: params.Stop,
	}

	var resp decodeResponse
	status, err := c.postJSON(ctx, w.Endpoint+"/decode", body, &resp)
	if err == nil && status != http.StatusNotFound {
		return scheduler.DecodeResult{
			Text: resp.Text, CompletionTokens: resp.CompletionTokens,
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}
	if err != nil {
		return scheduler.DecodeResult{}, err
	}

	if !c.LegacyFallback {
		return scheduler.DecodeResult{}, fmt.Errorf("decode endpoint not found (404) and legacy fallback disabled")
	}

	var comp completionsResponse
	_, err = c.postJSON(ctx, w.Endpoint+"/completions", completionsRequest{
		Model: modelID, Prompt: fmt.Sprintf("<kv_cache:%s>", kvCacheHandle), MaxTokens: params.MaxTokens,
	}, &comp)
	if err != nil {
		return scheduler.DecodeResult{}, err
	}
	var text string
	if len(comp.Choices) > 0 {
		text = comp.Choices[0].Text
	}
	return scheduler.DecodeResult{
		Text: text, CompletionTokens: comp.Usage.CompletionTokens,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

type healthResponse struct {
	Status         string  `json:"status"`
	GPUUtilization float64 `json:"gpu_utilization"`
	ActiveRequests int     `json:"active_requests"`
}

// Health calls GET {endpoint}/health. It never returns a Go error to the
// caller: transport or decode failures are folded into
// HealthResult{Healthy: false, Error: ...}.
func (c *Client) Health(ctx context.Context, w *scheduler.Worker) scheduler.HealthResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Endpoint+"/health", nil)
	if err != nil {
		return scheduler.HealthResult{Healthy: false, Error: err}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return scheduler.HealthResult{Healthy: false, Error: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scheduler.HealthResult{Healthy: false, Error: fmt.Errorf("health returned status %d", resp.StatusCode)}
	}

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return scheduler.HealthResult{Healthy: false, Error: err}
	}

	return scheduler.HealthResult{
		Healthy:        hr.Status == "ok",
		GPUUtilization: hr.GPUUtilization,
		ActiveRequests: hr.ActiveRequests,
	}
}

// postJSON POSTs body as JSON to url and decodes the response into out.
// It returns the HTTP status code alongside any transport/decode error so
// callers can special-case 404 for the legacy fallback.
func (c *Client) postJSON(ctx context.Context, url string, body interface{}, out interface{}) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Transporter implements scheduler.Transporter against the KV-cache
// export/import endpoints. It reuses Client's HTTP plumbing.
type Transporter struct {
	*Client
}

// NewTransporter returns a Transporter backed by a fresh Client.
func NewTransporter() *Transporter {
	return &Transporter{Client: New()}
}

type exportRequest struct {
	CacheHandle string `json:"cache_handle"`
}

type exportResponse struct {
	TransferToken string `json:"transfer_token"`
}

func (t *Transporter) Export(ctx context.Context, endpoint, cacheHandle string) (string, error) {
	var resp exportResponse
	_, err := t.postJSON(ctx, endpoint+"/kv_cache/export", exportRequest{CacheHandle: cacheHandle}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TransferToken, nil
}

type importRequest struct {
	TransferToken string `json:"transfer_token"`
	SourceWorker  string `json:"source_worker"`
}

type importResponse struct {
	CacheHandle string `json:"cache_handle"`
}

func (t *Transporter) Import(ctx context.Context, endpoint, transferToken, sourceWorker string) (string, error) {
	var resp importResponse
	_, err := t.postJSON(ctx, endpoint+"/kv_cache/import", importRequest{
		TransferToken: transferToken, SourceWorker: sourceWorker,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.CacheHandle, nil
}

type completionsRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type completionsResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
