package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kairosinfer/disaggsched/events"
	"github.com/kairosinfer/disaggsched/observability"
)

// latencyWindowCap is the fixed rolling-window capacity: oldest-out on
// overflow, 200 samples per tracked phase.
const latencyWindowCap = 200

// latencyWindow is a fixed-capacity rolling sample set.
type latencyWindow struct {
	mu      sync.Mutex
	samples []int64
	next    int
	filled  bool
}

func newLatencyWindow() *latencyWindow {
	return &latencyWindow{samples: make([]int64, latencyWindowCap)}
}

func (w *latencyWindow) record(ms int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencyWindowCap
	if w.next == 0 {
		w.filled = true
	}
}

// average returns the integer-rounded arithmetic mean, 0 if empty.
func (w *latencyWindow) average() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.filled {
		n = latencyWindowCap
	}
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	// integer rounding: add half the divisor before truncating division.
	return (sum + int64(n)/2) / int64(n)
}

// EventKind tags a lifecycle event emitted to the log and to subscribers.
type EventKind string

const (
	EventRequestQueued     EventKind = "request_queued"
	EventPrefillStarted    EventKind = "prefill_started"
	EventPrefillCompleted  EventKind = "prefill_completed"
	EventTransferStarted   EventKind = "transfer_started"
	EventTransferCompleted EventKind = "transfer_completed"
	EventDecodeStarted     EventKind = "decode_started"
	EventDecodeCompleted   EventKind = "decode_completed"
	EventRequestCompleted  EventKind = "request_completed"
	EventRequestFailed     EventKind = "request_failed"
	EventWorkerOnline      EventKind = "worker_online"
	EventWorkerOffline     EventKind = "worker_offline"
)

// Event is one lifecycle event; Payload's shape depends on Kind.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Payload   map[string]interface{}
}

// eventLogCap is the bounded ring size (last 1,000 events).
const eventLogCap = 1000

// HealthMonitor owns completed/failed counters, the three rolling latency
// windows, the bounded event log, and the periodic health-probe tick.
type HealthMonitor struct {
	mu sync.Mutex

	completed int
	failed    int

	totalWindow   *latencyWindow
	prefillWindow *latencyWindow
	decodeWindow  *latencyWindow

	events    []Event
	eventHead int // index of oldest slot once the ring has wrapped
	eventLen  int

	publisher events.Publisher // optional fan-out, defaults to nil (no-op)
	observer  func(Event)      // optional in-process callback

	client         WorkerClient
	pool           *WorkerPool
	healthInterval time.Duration
	workerTimeout  int64
}

// NewHealthMonitor constructs a monitor bound to pool and client.
func NewHealthMonitor(pool *WorkerPool, client WorkerClient, healthIntervalMs, workerTimeoutMs int64) *HealthMonitor {
	if healthIntervalMs <= 0 {
		healthIntervalMs = 10_000
	}
	if workerTimeoutMs <= 0 {
		workerTimeoutMs = 30_000
	}
	return &HealthMonitor{
		totalWindow:    newLatencyWindow(),
		prefillWindow:  newLatencyWindow(),
		decodeWindow:   newLatencyWindow(),
		events:         make([]Event, eventLogCap),
		client:         client,
		pool:           pool,
		healthInterval: time.Duration(healthIntervalMs) * time.Millisecond,
		workerTimeout:  workerTimeoutMs,
	}
}

// SetPublisher installs the events.Publisher used for fan-out; nil disables it.
func (m *HealthMonitor) SetPublisher(p events.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// SetObserver installs a synchronous in-process callback invoked on every emit.
func (m *HealthMonitor) SetObserver(cb func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = cb
}

// Emit pushes an event onto the ring (oldest-out past cap) and fans it out
// to the observer callback and publisher. The observer runs synchronously
// on the emitting goroutine. The publisher runs on its own goroutine with a
// bounded deadline, so a slow or failing publisher never blocks or fails the
// call; publish failures are only counted.
func (m *HealthMonitor) Emit(kind EventKind, payload map[string]interface{}) {
	e := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	m.mu.Lock()
	idx := (m.eventHead + m.eventLen) % eventLogCap
	m.events[idx] = e
	if m.eventLen < eventLogCap {
		m.eventLen++
	} else {
		m.eventHead = (m.eventHead + 1) % eventLogCap
	}
	observer := m.observer
	publisher := m.publisher
	m.mu.Unlock()

	if observer != nil {
		observer(e)
	}
	if publisher != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := publisher.Publish(ctx, string(kind), e.Payload); err != nil {
				observability.EventPublishFailures.WithLabelValues(string(kind), "publish_error").Inc()
			}
		}()
	}
}

// RecentEvents returns up to limit (default 50) of the newest events, newest first.
func (m *HealthMonitor) RecentEvents(limit int) []Event {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.eventLen
	if limit < n {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		// newest first: walk backward from the most recently written slot.
		idx := (m.eventHead + m.eventLen - 1 - i + eventLogCap) % eventLogCap
		out[i] = m.events[idx]
	}
	return out
}

// RecordCompleted records a terminal success and its per-phase latencies.
func (m *HealthMonitor) RecordCompleted(totalMs, prefillMs, decodeMs int64) {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
	m.totalWindow.record(totalMs)
	m.prefillWindow.record(prefillMs)
	m.decodeWindow.record(decodeMs)
}

// RecordFailed increments the failure counter.
func (m *HealthMonitor) RecordFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

// Counters returns {completed, failed}.
func (m *HealthMonitor) Counters() (completed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed, m.failed
}

// Averages returns the rounded mean of each rolling window.
func (m *HealthMonitor) Averages() (total, prefill, decode int64) {
	return m.totalWindow.average(), m.prefillWindow.average(), m.decodeWindow.average()
}

// Tick runs one round of health probes against every registered worker
// concurrently, then expires stale workers. It returns once every probe
// has settled; no single slow worker can stall the tick beyond its own
// probe deadline (bounded by WorkerClient's per-call timeout).
func (m *HealthMonitor) Tick(ctx context.Context) {
	workers := m.pool.List("")

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			m.probeOne(ctx, w)
		}(w)
	}
	wg.Wait()

	for _, id := range m.pool.ExpireStaleWorkers(m.workerTimeout) {
		role := ""
		if w := m.pool.Get(id); w != nil {
			role = string(w.Role)
		}
		observability.WorkerOffline.WithLabelValues(role).Inc()
		m.Emit(EventWorkerOffline, map[string]interface{}{"workerId": id})
	}
}

func (m *HealthMonitor) probeOne(ctx context.Context, w *Worker) {
	health := m.client.Health(ctx, w)
	if !health.Healthy {
		m.pool.MarkOffline(w.ID)
		observability.WorkerOffline.WithLabelValues(string(w.Role)).Inc()
		m.Emit(EventWorkerOffline, map[string]interface{}{"workerId": w.ID})
		return
	}

	status := StatusIdle
	if health.ActiveRequests >= w.MaxConcurrency {
		status = StatusBusy
	}
	gpu := health.GPUUtilization
	active := health.ActiveRequests
	m.pool.UpdateMetrics(w.ID, MetricsPatch{
		GPUUtilization: &gpu,
		ActiveRequests: &active,
		Status:         &status,
	})
	observability.WorkerGPUUtilization.WithLabelValues(w.ID, string(w.Role)).Set(gpu)
}
