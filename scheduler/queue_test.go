package scheduler

import (
	"testing"
	"time"
)

func TestRequestQueueOrdersByPriorityThenCreatedAt(t *testing.T) {
	q := newRequestQueue()
	base := time.Now()

	low := &Request{RequestID: "low", Priority: PriorityLow, CreatedAt: base}
	normalOld := &Request{RequestID: "normal-old", Priority: PriorityNormal, CreatedAt: base}
	normalNew := &Request{RequestID: "normal-new", Priority: PriorityNormal, CreatedAt: base.Add(time.Second)}
	high := &Request{RequestID: "high", Priority: PriorityHigh, CreatedAt: base.Add(2 * time.Second)}

	// push out of priority/time order to prove the heap reorders them
	q.push(normalNew)
	q.push(low)
	q.push(high)
	q.push(normalOld)

	want := []string{"high", "normal-old", "normal-new", "low"}
	for _, id := range want {
		got := q.pop()
		if got == nil || got.RequestID != id {
			t.Fatalf("expected %s next, got %v", id, got)
		}
	}
	if q.pop() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestRequestQueueRemoveExpired(t *testing.T) {
	q := newRequestQueue()
	now := time.Now()

	fresh := &Request{RequestID: "fresh", Priority: PriorityNormal, CreatedAt: now, TimeoutMs: 60_000}
	stale := &Request{RequestID: "stale", Priority: PriorityNormal, CreatedAt: now.Add(-time.Hour), TimeoutMs: 1_000}

	q.push(fresh)
	q.push(stale)

	var expired []*Request
	q.removeExpired(
		func(r *Request) bool {
			return time.Since(r.CreatedAt) > time.Duration(r.TimeoutMs)*time.Millisecond
		},
		func(r *Request) { expired = append(expired, r) },
	)

	if len(expired) != 1 || expired[0].RequestID != "stale" {
		t.Fatalf("expected only stale to expire, got %v", expired)
	}
	if q.len() != 1 {
		t.Fatalf("expected one request left, got %d", q.len())
	}
	remaining := q.pop()
	if remaining.RequestID != "fresh" {
		t.Fatalf("expected fresh to remain, got %s", remaining.RequestID)
	}
}

func TestRequestQueueSnapshotIsACopy(t *testing.T) {
	q := newRequestQueue()
	q.push(&Request{RequestID: "a", Priority: PriorityNormal, CreatedAt: time.Now()})

	snap := q.snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 snapshot entry, got %d", len(snap))
	}
	snap[0] = nil // mutating the snapshot slice must not affect the queue
	if q.len() != 1 || q.pop() == nil {
		t.Fatal("expected snapshot mutation not to affect the underlying queue")
	}
}
