package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kairosinfer/disaggsched/observability"
	"github.com/kairosinfer/disaggsched/ratelimit"
)

// Outcome is what a Pending settles with: exactly one of Result/Err is set.
type Outcome struct {
	Result *Result
	Err    error
}

// Pending is the one-shot resolver each in-flight request owns, fired
// exactly once by fail() or the decode-completion path. Callers
// get one back from Submit and Wait on it for the eventual outcome.
type Pending struct {
	ch chan Outcome
}

// Wait blocks until the request settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case o := <-p.ch:
		return o.Result, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newPending() *Pending {
	return &Pending{ch: make(chan Outcome, 1)}
}

func (p *Pending) resolve(r *Result) {
	p.ch <- Outcome{Result: r}
}

func (p *Pending) reject(err error) {
	p.ch <- Outcome{Err: err}
}

// inflightEntry is what the Scheduler tracks for a request between submit
// and terminal settlement.
type inflightEntry struct {
	req     *Request
	pending *Pending
}

// Scheduler owns the queue and the in-flight table: admission, priority
// dispatch, the three-phase pipeline, and terminal settlement.
type Scheduler struct {
	pool   *WorkerPool
	client WorkerClient
	health *HealthMonitor
	kv     *KVTransferManager
	config SchedulerConfig

	queue *requestQueue

	mu       sync.Mutex
	inflight map[string]*inflightEntry
	nextSeq  int64

	activePrefills  int
	activeTransfers int
	activeDecodes   int

	circuit   *circuitBreaker
	modelRate *ratelimit.Limiter

	mode SchedulerMode

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// SchedulerMode is an operational knob that narrows admission/dispatch
// without introducing a new request phase.
type SchedulerMode string

const (
	ModeNormal   SchedulerMode = "normal"
	ModeDegraded SchedulerMode = "degraded" // only high-priority requests admitted/dispatched
)

// NewScheduler wires a Scheduler from its collaborators and config.
func NewScheduler(pool *WorkerPool, client WorkerClient, transporter Transporter, config SchedulerConfig) *Scheduler {
	s := &Scheduler{
		pool:      pool,
		client:    client,
		health:    NewHealthMonitor(pool, client, config.HealthCheckIntervalMs, config.WorkerTimeoutMs),
		kv:        NewKVTransferManager(config.KVTransfer, transporter),
		config:    config,
		queue:     newRequestQueue(),
		inflight:  make(map[string]*inflightEntry),
		circuit:   newCircuitBreaker(config.CircuitBreaker),
		modelRate: ratelimit.New(config.ModelRateLimit.RatePerSecond, config.ModelRateLimit.Burst),
		mode:      ModeNormal,
	}
	return s
}

// Health exposes the HealthMonitor for operators that want to run probes
// on their own schedule, or subscribe an events.Publisher/observer.
func (s *Scheduler) Health() *HealthMonitor { return s.health }

// WorkerPool exposes the pool for direct reads (listing, snapshots). Use
// RegisterWorker, not pool.Register directly, so worker_online fires.
func (s *Scheduler) WorkerPool() *WorkerPool { return s.pool }

// RegisterWorker adds or re-registers a worker and emits worker_online if
// this call brought it online.
func (s *Scheduler) RegisterWorker(seed WorkerSeed) *Worker {
	w, becameOnline := s.pool.Register(seed)
	if becameOnline {
		s.health.Emit(EventWorkerOnline, map[string]interface{}{"workerId": w.ID, "role": string(w.Role)})
	}
	return w
}

// SetMode changes the operating mode.
func (s *Scheduler) SetMode(mode SchedulerMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Start begins the dispatch and health ticks. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.dispatchLoop(ctx, stopCh)
	go s.healthLoop(ctx, stopCh)
}

// Stop ends the dispatch and health ticks, then waits for in-flight
// pipelines to finish; no new request is dispatched. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			s.dispatchTick()
			observability.DispatchLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Scheduler) healthLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	interval := s.health.healthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.health.Tick(ctx)
		}
	}
}

// Submit performs admission control and, if accepted, enqueues req and
// returns a Pending that will settle exactly once the pipeline completes
// or fails.
func (s *Scheduler) Submit(req *Request) (*Pending, error) {
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = s.config.DefaultRequestTimeoutMs
	}

	// queueDepth is read before taking s.mu: queue.len() takes q.mu itself,
	// and s.mu and q.mu are never held together (removeExpired likewise
	// releases q.mu before its onExpired callback, fail, takes s.mu).
	queueDepth := s.queue.len()

	s.mu.Lock()
	mode := s.mode
	saturation := s.saturationLocked()
	s.mu.Unlock()

	if mode == ModeDegraded && req.Priority != PriorityHigh {
		observability.SchedulerRejections.WithLabelValues("degraded_mode").Inc()
		return nil, newErr(KindQueueFull, "scheduler degraded: only high priority admitted", nil)
	}

	if !s.modelRate.Allow(req.ModelID) {
		observability.SchedulerRejections.WithLabelValues("rate_limited").Inc()
		return nil, newErr(KindQueueFull, "per-model rate limit exceeded", nil)
	}

	if queueDepth >= s.config.MaxQueueSize {
		observability.SchedulerRejections.WithLabelValues("queue_full").Inc()
		return nil, newErr(KindQueueFull, "scheduler queue is full", nil)
	}

	// Circuit breaker check is last: it's the only gate that mutates
	// breaker state (advances a half-open trial, or can trip the breaker
	// open), so a request rejected by an earlier gate never consumes a
	// trial slot or otherwise perturbs breaker recovery.
	if !s.pool.HasAvailableCanary(req.ModelID) && !s.circuit.shouldAdmit(queueDepth, saturation) {
		observability.SchedulerRejections.WithLabelValues("circuit_open").Inc()
		return nil, newErr(KindQueueFull, "admission circuit breaker open", nil)
	}

	s.mu.Lock()
	s.nextSeq++
	req.RequestID = fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), s.nextSeq)
	req.Phase = PhaseQueued
	req.CreatedAt = time.Now()
	pending := newPending()
	s.inflight[req.RequestID] = &inflightEntry{req: req, pending: pending}
	s.mu.Unlock()

	s.queue.push(req)
	s.health.Emit(EventRequestQueued, map[string]interface{}{"requestId": req.RequestID})
	observability.QueueDepth.Set(float64(s.queue.len()))

	return pending, nil
}

// saturationLocked returns the current pipeline saturation (0-1) against
// MaxConcurrency-equivalent capacity, approximated by active pipelines
// over queue capacity; caller must hold s.mu.
func (s *Scheduler) saturationLocked() float64 {
	active := s.activePrefills + s.activeTransfers + s.activeDecodes
	capacity := s.config.MaxQueueSize
	if capacity <= 0 {
		capacity = 1
	}
	return float64(active) / float64(capacity)
}

// dispatchTick sweeps expired requests, then dispatches at most one
// request per tick.
func (s *Scheduler) dispatchTick() {
	s.sweepExpired()
	s.reportQueueMetrics()

	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	observability.CircuitState.Set(float64(s.circuit.getState()))

	worker := s.pool.Select(RolePrefill, s.config.Strategy)
	if worker == nil {
		return
	}

	req := s.popDispatchable(mode)
	observability.QueueDepth.Set(float64(s.queue.len()))
	if req == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPipeline(context.Background(), req, worker)
	}()
}

// popDispatchable pops the head of the queue, honoring degraded mode by
// putting back (re-pushing) any non-high-priority head until a dispatch
// decision can be made without dropping order for later ticks. Since the
// queue is priority-ordered, a non-high head in degraded mode means no
// eligible request exists right now.
func (s *Scheduler) popDispatchable(mode SchedulerMode) *Request {
	if mode != ModeDegraded {
		return s.queue.pop()
	}
	// In degraded mode only high priority may dispatch; since the queue is
	// ordered by priority rank, if the head isn't high, nothing is.
	head := s.queue.pop()
	if head == nil {
		return nil
	}
	if head.Priority == PriorityHigh {
		return head
	}
	s.queue.push(head)
	return nil
}

// reportQueueMetrics refreshes the oldest-request-age gauge per priority
// bucket so an operator can see how long the longest-waiting request in
// each tier has been sitting in the queue.
func (s *Scheduler) reportQueueMetrics() {
	now := time.Now()
	oldest := map[Priority]time.Time{}
	for _, r := range s.queue.snapshot() {
		if t, ok := oldest[r.Priority]; !ok || r.CreatedAt.Before(t) {
			oldest[r.Priority] = r.CreatedAt
		}
	}
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		age := 0.0
		if t, ok := oldest[p]; ok {
			age = now.Sub(t).Seconds()
		}
		observability.QueueOldestRequestAge.WithLabelValues(string(p)).Set(age)
	}
	observability.QueueDepth.Set(float64(s.queue.len()))
}

// sweepExpired removes and fails any request whose timeoutMs has elapsed
// while still queued.
func (s *Scheduler) sweepExpired() {
	now := time.Now()
	s.queue.removeExpired(
		func(r *Request) bool {
			return now.Sub(r.CreatedAt) > time.Duration(r.TimeoutMs)*time.Millisecond
		},
		func(r *Request) {
			s.fail(r.RequestID, newErr(KindQueueTimeout, "request aged out of queue", nil))
		},
	)
}

// runPipeline executes the prefill -> transfer -> decode pipeline for one
// request against the given prefill worker.
func (s *Scheduler) runPipeline(ctx context.Context, req *Request, prefillWorker *Worker) {
	start := time.Now()

	// --- Prefill phase ---
	s.setPhase(req.RequestID, PhasePrefilling)
	req.PrefillWorkerID = prefillWorker.ID
	s.pool.IncrementActive(prefillWorker.ID)
	s.mu.Lock()
	s.activePrefills++
	observability.ActivePipelines.WithLabelValues(string(PhasePrefilling)).Set(float64(s.activePrefills))
	s.mu.Unlock()
	s.health.Emit(EventPrefillStarted, map[string]interface{}{"requestId": req.RequestID, "workerId": prefillWorker.ID})

	prefillRes, err := s.client.Prefill(ctx, prefillWorker, req.RequestID, req.Prompt, req.ModelID)

	s.pool.DecrementActive(prefillWorker.ID)
	s.mu.Lock()
	s.activePrefills--
	observability.ActivePipelines.WithLabelValues(string(PhasePrefilling)).Set(float64(s.activePrefills))
	s.mu.Unlock()

	if err != nil {
		s.fail(req.RequestID, newErr(KindPrefillFailed, "prefill call failed", err))
		return
	}
	req.KVCacheHandle = prefillRes.KVCacheHandle
	observability.PhaseLatency.WithLabelValues(string(PhasePrefilling)).Observe(float64(prefillRes.LatencyMs) / 1000)
	s.health.Emit(EventPrefillCompleted, map[string]interface{}{
		"requestId": req.RequestID, "workerId": prefillWorker.ID, "latencyMs": prefillRes.LatencyMs,
	})

	// --- Transfer phase ---
	s.setPhase(req.RequestID, PhaseTransferring)
	decodeWorker := s.pool.Select(RoleDecode, s.config.Strategy)
	if decodeWorker == nil {
		s.fail(req.RequestID, newErr(KindNoDecodeWorker, "no decode worker available", nil))
		return
	}
	req.DecodeWorkerID = decodeWorker.ID

	s.mu.Lock()
	s.activeTransfers++
	observability.ActivePipelines.WithLabelValues(string(PhaseTransferring)).Set(float64(s.activeTransfers))
	s.mu.Unlock()
	s.health.Emit(EventTransferStarted, map[string]interface{}{
		"requestId": req.RequestID, "from": prefillWorker.Endpoint, "to": decodeWorker.Endpoint,
	})

	observability.TransferActive.Set(float64(s.kv.Active()))
	observability.TransferPending.Set(float64(s.kv.Pending()))
	transferRes := s.kv.Transfer(ctx, TransferJob{
		RequestID:         req.RequestID,
		SourceEndpoint:    prefillWorker.Endpoint,
		TargetEndpoint:    decodeWorker.Endpoint,
		SourceCacheHandle: req.KVCacheHandle,
	})
	observability.TransferActive.Set(float64(s.kv.Active()))
	observability.TransferPending.Set(float64(s.kv.Pending()))

	s.mu.Lock()
	s.activeTransfers--
	observability.ActivePipelines.WithLabelValues(string(PhaseTransferring)).Set(float64(s.activeTransfers))
	s.mu.Unlock()

	if !transferRes.Success {
		s.fail(req.RequestID, newErr(KindTransferFailed, "kv cache transfer failed", transferRes.Error))
		return
	}
	observability.PhaseLatency.WithLabelValues(string(PhaseTransferring)).Observe(float64(transferRes.TransferDurationMs) / 1000)
	s.health.Emit(EventTransferCompleted, map[string]interface{}{
		"requestId": req.RequestID, "durationMs": transferRes.TransferDurationMs,
	})

	targetHandle := transferRes.TargetCacheHandle
	if targetHandle == "" {
		targetHandle = req.KVCacheHandle
	}

	// --- Decode phase ---
	s.setPhase(req.RequestID, PhaseDecoding)
	s.pool.IncrementActive(decodeWorker.ID)
	s.mu.Lock()
	s.activeDecodes++
	observability.ActivePipelines.WithLabelValues(string(PhaseDecoding)).Set(float64(s.activeDecodes))
	s.mu.Unlock()
	s.health.Emit(EventDecodeStarted, map[string]interface{}{"requestId": req.RequestID, "workerId": decodeWorker.ID})

	decodeRes, err := s.client.Decode(ctx, decodeWorker, req.RequestID, targetHandle, req.ModelID, req.SamplingParams)

	s.pool.DecrementActive(decodeWorker.ID)
	s.mu.Lock()
	s.activeDecodes--
	observability.ActivePipelines.WithLabelValues(string(PhaseDecoding)).Set(float64(s.activeDecodes))
	s.mu.Unlock()

	if err != nil {
		s.fail(req.RequestID, newErr(KindDecodeFailed, "decode call failed", err))
		return
	}
	observability.PhaseLatency.WithLabelValues(string(PhaseDecoding)).Observe(float64(decodeRes.LatencyMs) / 1000)
	s.health.Emit(EventDecodeCompleted, map[string]interface{}{
		"requestId": req.RequestID, "workerId": decodeWorker.ID, "latencyMs": decodeRes.LatencyMs,
	})

	totalMs := time.Since(start).Milliseconds()
	s.health.RecordCompleted(totalMs, prefillRes.LatencyMs, decodeRes.LatencyMs)
	observability.RequestsCompleted.Inc()
	observability.PhaseLatency.WithLabelValues("total").Observe(float64(totalMs) / 1000)
	s.health.Emit(EventRequestCompleted, map[string]interface{}{"requestId": req.RequestID, "totalLatencyMs": totalMs})

	s.mu.Lock()
	entry, ok := s.inflight[req.RequestID]
	delete(s.inflight, req.RequestID)
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.req.Phase = PhaseCompleted
	entry.pending.resolve(&Result{
		RequestID:         req.RequestID,
		Text:              decodeRes.Text,
		TokenCount:        decodeRes.CompletionTokens,
		PrefillLatencyMs:  prefillRes.LatencyMs,
		TransferLatencyMs: transferRes.TransferDurationMs,
		DecodeLatencyMs:   decodeRes.LatencyMs,
		TotalLatencyMs:    totalMs,
		PrefillWorkerID:   req.PrefillWorkerID,
		DecodeWorkerID:    req.DecodeWorkerID,
	})
}

func (s *Scheduler) setPhase(requestID string, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.inflight[requestID]; ok {
		entry.req.Phase = phase
	}
}

// fail is the single sink every pipeline error routes through: it
// increments the failure counter, emits request_failed, and rejects the
// pending resolver exactly once. Calling fail on an unknown id is a
// no-op, making it safe to call idempotently.
func (s *Scheduler) fail(requestID string, err error) {
	s.mu.Lock()
	entry, ok := s.inflight[requestID]
	if ok {
		delete(s.inflight, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.health.RecordFailed()
	entry.req.Phase = PhaseFailed

	kind := KindClientError
	if se, ok := err.(*Error); ok {
		kind = se.Kind
	}
	observability.RequestsFailed.WithLabelValues(string(kind)).Inc()
	s.health.Emit(EventRequestFailed, map[string]interface{}{"requestId": requestID, "error": err.Error()})

	entry.pending.reject(err)
}

// Metrics returns a point-in-time snapshot.
func (s *Scheduler) Metrics() SchedulerMetrics {
	// queue.len() is read outside s.mu; see the comment in Submit for why
	// no path may hold s.mu while calling into the queue.
	queueDepth := s.queue.len()

	s.mu.Lock()
	activePrefills := s.activePrefills
	activeTransfers := s.activeTransfers
	activeDecodes := s.activeDecodes
	s.mu.Unlock()

	completed, failed := s.health.Counters()
	avgTotal, avgPrefill, avgDecode := s.health.Averages()

	var workers []WorkerSnapshot
	for _, w := range s.pool.List("") {
		workers = append(workers, WorkerSnapshot{
			ID: w.ID, Role: w.Role, Status: w.Status,
			GPUUtilization: w.GPUUtilization, ActiveRequests: w.ActiveRequests,
		})
	}

	return SchedulerMetrics{
		QueueDepth:          queueDepth,
		ActivePrefills:      activePrefills,
		ActiveTransfers:     activeTransfers,
		ActiveDecodes:       activeDecodes,
		TotalCompleted:      completed,
		TotalFailed:         failed,
		AvgLatencyMs:        avgTotal,
		AvgPrefillLatencyMs: avgPrefill,
		AvgDecodeLatencyMs:  avgDecode,
		CircuitBreakerState: s.circuit.getState().String(),
		Workers:             workers,
	}
}

// Events returns the most recent limit (default 50) lifecycle events.
func (s *Scheduler) Events(limit int) []Event {
	return s.health.RecentEvents(limit)
}
