package scheduler

import (
	"context"
	"sync"
	"time"
)

// TransferJob describes one KV-cache transfer from a prefill worker to a
// decode worker.
type TransferJob struct {
	RequestID         string
	SourceEndpoint    string
	TargetEndpoint    string
	SourceCacheHandle string
}

// TransferResult is always returned, never an error: transport faults are
// encoded here so the scheduler never has to recover from a panic/throw
// mid-pipeline.
type TransferResult struct {
	Success            bool
	TransferDurationMs int64
	TargetCacheHandle  string
	Error              error
}

// Transporter performs the two-call export/import sequence against the
// worker HTTP contract. It is the only thing KVTransferManager
// calls out to, so tests can inject a fake.
type Transporter interface {
	Export(ctx context.Context, endpoint, cacheHandle string) (transferToken string, err error)
	Import(ctx context.Context, endpoint, transferToken, sourceWorker string) (cacheHandle string, err error)
}

// KVTransferManager bounds the number of concurrently in-flight cache
// transfers, queuing the rest FIFO and draining them as slots free up.
type KVTransferManager struct {
	mu      sync.Mutex
	active  int
	pending []pendingTransfer

	maxConcurrent int
	timeout       time.Duration
	transporter   Transporter
}

type pendingTransfer struct {
	job    TransferJob
	result chan TransferResult
}

// NewKVTransferManager constructs a manager bounded by cfg and backed by t.
func NewKVTransferManager(cfg KVTransferConfig, t Transporter) *KVTransferManager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 15_000
	}
	return &KVTransferManager{
		maxConcurrent: maxConcurrent,
		timeout:       time.Duration(timeoutMs) * time.Millisecond,
		transporter:   t,
	}
}

// Transfer submits a job and blocks (respecting ctx) until it completes,
// either running immediately if a slot is free or waiting FIFO behind
// other pending jobs.
func (m *KVTransferManager) Transfer(ctx context.Context, job TransferJob) TransferResult {
	m.mu.Lock()
	if m.active < m.maxConcurrent {
		m.active++
		m.mu.Unlock()
		return m.run(ctx, job)
	}

	p := pendingTransfer{job: job, result: make(chan TransferResult, 1)}
	m.pending = append(m.pending, p)
	m.mu.Unlock()

	select {
	case res := <-p.result:
		return res
	case <-ctx.Done():
		return TransferResult{Success: false, Error: ctx.Err()}
	}
}

// run executes doTransfer, always decrements active and drains the
// pending FIFO afterward, regardless of outcome.
func (m *KVTransferManager) run(ctx context.Context, job TransferJob) TransferResult {
	res := m.doTransfer(ctx, job)

	m.mu.Lock()
	m.active--
	m.drainLocked()
	m.mu.Unlock()

	return res
}

// drainLocked starts as many pending jobs as free slots allow. Caller
// must hold m.mu. Arrival order is strictly preserved.
func (m *KVTransferManager) drainLocked() {
	for m.active < m.maxConcurrent && len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.active++
		go func(p pendingTransfer) {
			res := m.doTransfer(context.Background(), p.job)
			m.mu.Lock()
			m.active--
			m.drainLocked()
			m.mu.Unlock()
			p.result <- res
		}(next)
	}
}

// doTransfer runs the bounded two-call export/import sequence.
func (m *KVTransferManager) doTransfer(ctx context.Context, job TransferJob) TransferResult {
	start := time.Now()
	deadline, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	token, err := m.transporter.Export(deadline, job.SourceEndpoint, job.SourceCacheHandle)
	if err != nil {
		return TransferResult{Success: false, TransferDurationMs: time.Since(start).Milliseconds(), Error: err}
	}

	handle, err := m.transporter.Import(deadline, job.TargetEndpoint, token, job.SourceEndpoint)
	if err != nil {
		return TransferResult{Success: false, TransferDurationMs: time.Since(start).Milliseconds(), Error: err}
	}

	return TransferResult{
		Success:            true,
		TransferDurationMs: time.Since(start).Milliseconds(),
		TargetCacheHandle:  handle,
	}
}

// Active reports the current number of in-flight transfers (test hook).
func (m *KVTransferManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Pending reports the current FIFO backlog length (test hook).
func (m *KVTransferManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
