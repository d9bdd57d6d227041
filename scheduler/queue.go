package scheduler

import (
	"container/heap"
	"sync"
)

// requestHeap orders queued requests by (priority_rank, createdAt), both
// ascending, matching the (priority_rank, createdAt) ordering admission
// requires. It implements container/heap.Interface.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	ri, rj := h[i].Priority.rank(), h[j].Priority.rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*Request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// requestQueue wraps requestHeap with a mutex for safe concurrent access.
// It is owned exclusively by the Scheduler.
type requestQueue struct {
	mu sync.Mutex
	h  requestHeap
}

func newRequestQueue() *requestQueue {
	return &requestQueue{h: make(requestHeap, 0)}
}

func (q *requestQueue) push(r *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, r)
}

func (q *requestQueue) pop() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Request)
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// removeExpired walks the whole queue and removes any request whose age
// exceeds its own timeoutMs, then rebuilds the heap so ordering stays
// intact over the surviving entries. onExpired is invoked for each expired
// request only after q.mu has been released, since callers (Scheduler.fail)
// acquire their own lock and must never be called while q.mu is held.
func (q *requestQueue) removeExpired(isExpired func(*Request) bool, onExpired func(*Request)) {
	q.mu.Lock()
	kept := make(requestHeap, 0, len(q.h))
	expired := make([]*Request, 0)
	for i := len(q.h) - 1; i >= 0; i-- {
		r := q.h[i]
		if isExpired(r) {
			expired = append(expired, r)
		} else {
			kept = append(kept, r)
		}
	}
	q.h = kept
	heap.Init(&q.h)
	q.mu.Unlock()

	for _, r := range expired {
		onExpired(r)
	}
}

// snapshot returns a shallow copy of all queued requests, for tests/metrics.
func (q *requestQueue) snapshot() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, len(q.h))
	copy(out, q.h)
	return out
}
