package scheduler

import (
	"sync"
	"time"
)

// WorkerPool is the registry of workers keyed by id. It is the sole
// mutator of worker state; the Scheduler and HealthMonitor only reach
// worker state through its published operations.
type WorkerPool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	order   []string // insertion order, for deterministic iteration/tie-breaking

	rrCounters map[Role]int // per-role round-robin cursor
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{
		workers:    make(map[string]*Worker),
		rrCounters: make(map[Role]int),
	}
}

// Register adds or updates a worker. If the id already exists, runtime
// state (status, gpuUtilization, activeRequests) is preserved; otherwise
// it is initialized to {idle, 0, 0}. endpoint/role/modelId/maxConcurrency
// are always refreshed and lastHealthCheck is reset to now. The second
// return value reports whether this call brought the worker online (first
// registration, or a transition out of offline) — callers that want a
// worker_online event fire on that edge.
func (p *WorkerPool) Register(seed WorkerSeed) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	maxConcurrency := seed.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 32
	}

	w, exists := p.workers[seed.ID]
	becameOnline := !exists
	if !exists {
		w = &Worker{
			ID:             seed.ID,
			Status:         StatusIdle,
			GPUUtilization: 0,
			ActiveRequests: 0,
		}
		p.workers[seed.ID] = w
		p.order = append(p.order, seed.ID)
	} else if w.Status == StatusOffline {
		becameOnline = true
	}

	w.Endpoint = seed.Endpoint
	w.Role = seed.Role
	w.ModelID = seed.ModelID
	w.MaxConcurrency = maxConcurrency
	if seed.Tier != "" {
		w.Tier = seed.Tier
	}
	w.LastHealthCheck = time.Now()
	if becameOnline {
		w.Status = StatusIdle
	}

	cp := *w
	return &cp, becameOnline
}

// Remove deletes a worker from the pool. Returns false if it wasn't present.
func (p *WorkerPool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[id]; !ok {
		return false
	}
	delete(p.workers, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the worker, or nil if not present.
func (p *WorkerPool) Get(id string) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// List returns copies of all workers, optionally filtered by role.
func (p *WorkerPool) List(roleFilter Role) []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, id := range p.order {
		w := p.workers[id]
		if roleFilter != "" && w.Role != roleFilter {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// Available returns workers of the given role that are idle or busy, have
// spare capacity, and are neither draining nor offline.
func (p *WorkerPool) Available(role Role) []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, 0)
	for _, id := range p.order {
		w := p.workers[id]
		if w.Role != role {
			continue
		}
		if w.Status != StatusIdle && w.Status != StatusBusy {
			continue
		}
		if w.ActiveRequests >= w.MaxConcurrency {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// HasAvailableCanary reports whether any available prefill worker serving
// modelID is tagged as the "canary" tier. The circuit breaker exempts
// admission for such requests since a canary worker is a deliberately
// isolated rollout target, not shared capacity under strain.
func (p *WorkerPool) HasAvailableCanary(modelID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.order {
		w := p.workers[id]
		if w.Role != RolePrefill || w.Tier != "canary" || w.ModelID != modelID {
			continue
		}
		if w.Status != StatusIdle && w.Status != StatusBusy {
			continue
		}
		if w.ActiveRequests >= w.MaxConcurrency {
			continue
		}
		return true
	}
	return false
}

// Select picks one available worker of the given role using strategy.
// Unknown strategies fall back to the first candidate. Returns nil if
// none are available.
func (p *WorkerPool) Select(role Role, strategy string) *Worker {
	candidates := p.Available(role)
	if len(candidates) == 0 {
		return nil
	}

	switch strategy {
	case "round-robin":
		p.mu.Lock()
		idx := p.rrCounters[role] % len(candidates)
		p.rrCounters[role]++
		p.mu.Unlock()
		return candidates[idx]
	case "least-loaded":
		best := candidates[0]
		for _, w := range candidates[1:] {
			if w.ActiveRequests < best.ActiveRequests {
				best = w
			}
		}
		return best
	case "latency-aware":
		best := candidates[0]
		for _, w := range candidates[1:] {
			if w.GPUUtilization < best.GPUUtilization {
				best = w
			}
		}
		return best
	default:
		return candidates[0]
	}
}

// IncrementActive bumps a worker's active request count, clamping it to
// maxConcurrency, and flips status to busy once the cap is reached.
func (p *WorkerPool) IncrementActive(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return
	}
	if w.ActiveRequests < w.MaxConcurrency {
		w.ActiveRequests++
	}
	if w.ActiveRequests >= w.MaxConcurrency {
		w.Status = StatusBusy
	}
}

// DecrementActive drops a worker's active request count, clamping at 0,
// and flips status back to idle once below capacity — but only if the
// worker is currently busy; offline/draining are never overridden.
func (p *WorkerPool) DecrementActive(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return
	}
	if w.ActiveRequests > 0 {
		w.ActiveRequests--
	}
	if w.ActiveRequests < w.MaxConcurrency && w.Status == StatusBusy {
		w.Status = StatusIdle
	}
}

// MetricsPatch is the set of fields updateMetrics may set.
type MetricsPatch struct {
	GPUUtilization *float64
	ActiveRequests *int
	Status         *Status
}

// UpdateMetrics applies a partial update from a health probe and always
// refreshes lastHealthCheck.
func (p *WorkerPool) UpdateMetrics(id string, patch MetricsPatch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return
	}
	if patch.GPUUtilization != nil {
		w.GPUUtilization = *patch.GPUUtilization
	}
	if patch.ActiveRequests != nil {
		w.ActiveRequests = *patch.ActiveRequests
	}
	if patch.Status != nil {
		w.Status = *patch.Status
	}
	w.LastHealthCheck = time.Now()
}

// MarkOffline sets a worker's status to offline. Sticky until a
// successful probe or re-registration clears it.
func (p *WorkerPool) MarkOffline(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		w.Status = StatusOffline
	}
}

// Drain marks a worker as draining: excluded from Available() but left
// alone otherwise, for operator-driven graceful removal. The core never
// enters this state on its own — only an explicit Drain call does.
func (p *WorkerPool) Drain(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return false
	}
	w.Status = StatusDraining
	return true
}

// ExpireStaleWorkers marks offline any non-offline worker whose
// lastHealthCheck is older than timeoutMs, returning their ids.
func (p *WorkerPool) ExpireStaleWorkers(timeoutMs int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var expired []string
	for id, w := range p.workers {
		if w.Status == StatusOffline {
			continue
		}
		if now.Sub(w.LastHealthCheck) > time.Duration(timeoutMs)*time.Millisecond {
			w.Status = StatusOffline
			expired = append(expired, id)
		}
	}
	return expired
}
