package scheduler

import "testing"

func TestWorkerPoolRegisterIdempotent(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.IncrementActive("w1")

	w, becameOnline := p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 8})
	if becameOnline {
		t.Fatal("re-registering a non-offline worker should not report becameOnline")
	}
	if w.ActiveRequests != 1 {
		t.Fatalf("expected runtime state preserved across re-registration, got ActiveRequests=%d", w.ActiveRequests)
	}
	if w.MaxConcurrency != 8 {
		t.Fatalf("expected maxConcurrency refreshed, got %d", w.MaxConcurrency)
	}
}

func TestWorkerPoolRegisterOfflineRecovery(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.MarkOffline("w1")

	w, becameOnline := p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	if !becameOnline {
		t.Fatal("expected becameOnline on offline->online transition")
	}
	if w.Status != StatusIdle {
		t.Fatalf("expected status idle after recovery, got %s", w.Status)
	}
}

func TestWorkerPoolRoundRobin(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.Register(WorkerSeed{ID: "w2", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.Register(WorkerSeed{ID: "w3", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})

	var seen []string
	for i := 0; i < 6; i++ {
		w := p.Select(RolePrefill, "round-robin")
		if w == nil {
			t.Fatal("expected a candidate")
		}
		seen = append(seen, w.ID)
	}
	want := []string{"w1", "w2", "w3", "w1", "w2", "w3"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("round-robin order mismatch at %d: got %v, want %v", i, seen, want)
		}
	}
}

func TestWorkerPoolLeastLoaded(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.Register(WorkerSeed{ID: "w2", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.IncrementActive("w1")
	p.IncrementActive("w1")

	w := p.Select(RolePrefill, "least-loaded")
	if w.ID != "w2" {
		t.Fatalf("expected least-loaded worker w2, got %s", w.ID)
	}
}

func TestWorkerPoolLatencyAware(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.Register(WorkerSeed{ID: "w2", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})

	gpuHi, gpuLo := 0.9, 0.1
	p.UpdateMetrics("w1", MetricsPatch{GPUUtilization: &gpuHi})
	p.UpdateMetrics("w2", MetricsPatch{GPUUtilization: &gpuLo})

	w := p.Select(RolePrefill, "latency-aware")
	if w.ID != "w2" {
		t.Fatalf("expected lowest gpu utilization worker w2, got %s", w.ID)
	}
}

func TestWorkerPoolUnknownStrategyFallsBackToFirst(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.Register(WorkerSeed{ID: "w2", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})

	w := p.Select(RolePrefill, "unknown-strategy")
	if w.ID != "w1" {
		t.Fatalf("expected first candidate w1, got %s", w.ID)
	}
}

func TestWorkerPoolIncrementDecrementClamping(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 2})

	p.IncrementActive("w1")
	p.IncrementActive("w1")
	p.IncrementActive("w1") // should clamp at 2

	w := p.Get("w1")
	if w.ActiveRequests != 2 {
		t.Fatalf("expected clamped ActiveRequests=2, got %d", w.ActiveRequests)
	}
	if w.Status != StatusBusy {
		t.Fatalf("expected status busy at capacity, got %s", w.Status)
	}

	p.DecrementActive("w1")
	w = p.Get("w1")
	if w.ActiveRequests != 1 || w.Status != StatusIdle {
		t.Fatalf("expected ActiveRequests=1/idle after decrement, got %d/%s", w.ActiveRequests, w.Status)
	}

	p.DecrementActive("w1")
	p.DecrementActive("w1") // should clamp at 0
	w = p.Get("w1")
	if w.ActiveRequests != 0 {
		t.Fatalf("expected clamped ActiveRequests=0, got %d", w.ActiveRequests)
	}
}

func TestWorkerPoolDecrementNeverOverridesOffline(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 2})
	p.IncrementActive("w1")
	p.MarkOffline("w1")

	p.DecrementActive("w1")
	w := p.Get("w1")
	if w.Status != StatusOffline {
		t.Fatalf("expected status to remain offline, got %s", w.Status)
	}
}

func TestWorkerPoolAvailableExcludesDrainingAndOffline(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.Register(WorkerSeed{ID: "w2", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})
	p.Register(WorkerSeed{ID: "w3", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})

	p.Drain("w1")
	p.MarkOffline("w2")

	avail := p.Available(RolePrefill)
	if len(avail) != 1 || avail[0].ID != "w3" {
		t.Fatalf("expected only w3 available, got %v", avail)
	}
}

func TestWorkerPoolExpireStaleWorkers(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})

	expired := p.ExpireStaleWorkers(-1) // any age is "older" than a negative timeout
	if len(expired) != 1 || expired[0] != "w1" {
		t.Fatalf("expected w1 to expire, got %v", expired)
	}
	if p.Get("w1").Status != StatusOffline {
		t.Fatal("expected worker marked offline after expiry")
	}
}

func TestWorkerPoolRemove(t *testing.T) {
	p := NewWorkerPool()
	p.Register(WorkerSeed{ID: "w1", Role: RolePrefill, ModelID: "m1", MaxConcurrency: 4})

	if !p.Remove("w1") {
		t.Fatal("expected removal to succeed")
	}
	if p.Remove("w1") {
		t.Fatal("expected second removal to report false")
	}
	if p.Get("w1") != nil {
		t.Fatal("expected worker gone after removal")
	}
}
