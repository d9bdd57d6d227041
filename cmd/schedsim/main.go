// Command schedsim wires the scheduling core together against a fake
// WorkerClient/Transporter and runs it for a short burst of synthetic
// requests — a smoke-test harness, not a REST gateway.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kairosinfer/disaggsched/audit"
	"github.com/kairosinfer/disaggsched/events"
	"github.com/kairosinfer/disaggsched/scheduler"
)

func main() {
	pool := scheduler.NewWorkerPool()
	client := newSimClient()
	config := scheduler.DefaultSchedulerConfig()
	if addr := os.Getenv("SCHEDSIM_REDIS_ADDR"); addr != "" {
		config.EventPublisher = scheduler.EventPublisherConfig{Kind: "redis", RedisAddr: addr}
	}
	if dsn := os.Getenv("SCHEDSIM_AUDIT_DSN"); dsn != "" {
		config.Audit = scheduler.AuditConfig{Enabled: true, DSN: dsn}
	}

	sched := scheduler.NewScheduler(pool, client, client, config)
	sched.Health().SetPublisher(newEventPublisher(config.EventPublisher))
	if sink := newAuditSink(config.Audit); sink != nil {
		defer sink.Close()
		sched.Health().SetObserver(sink.Observer(log.Printf))
	}

	sched.RegisterWorker(scheduler.WorkerSeed{ID: "p1", Endpoint: "http://p1.local", Role: scheduler.RolePrefill, ModelID: "llama-70b", MaxConcurrency: 8})
	sched.RegisterWorker(scheduler.WorkerSeed{ID: "d1", Endpoint: "http://d1.local", Role: scheduler.RoleDecode, ModelID: "llama-70b", MaxConcurrency: 8})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Println("metrics listening on :9090/metrics")
		_ = http.ListenAndServe(":9090", mux)
	}()

	for i := 0; i < 5; i++ {
		pending, err := sched.Submit(&scheduler.Request{
			ModelID:        "llama-70b",
			Prompt:         "hello world",
			Priority:       scheduler.PriorityNormal,
			SamplingParams: scheduler.SamplingParams{MaxTokens: 16},
		})
		if err != nil {
			log.Printf("submit rejected: %v", err)
			continue
		}
		go func(p *scheduler.Pending) {
			res, err := p.Wait(context.Background())
			if err != nil {
				log.Printf("request failed: %v", err)
				return
			}
			log.Printf("request completed: %q (%d tokens, %dms)", res.Text, res.TokenCount, res.TotalLatencyMs)
		}(pending)
	}

	time.Sleep(2 * time.Second)
	snap := sched.Metrics()
	log.Printf("final metrics: %+v", snap)
}

// newEventPublisher picks the events.Publisher named by cfg.Kind, falling
// back to the log-backed publisher (including on a failed Redis dial, so a
// misconfigured address degrades rather than crashes the demo).
func newEventPublisher(cfg scheduler.EventPublisherConfig) events.Publisher {
	if cfg.Kind == "redis" {
		pub, err := events.NewRedisPublisher(cfg.RedisAddr, "", 0, "")
		if err != nil {
			log.Printf("event publisher: falling back to log (redis dial failed: %v)", err)
		} else {
			return pub
		}
	}
	return events.NewLogPublisher()
}

// newAuditSink opens the optional Postgres audit sink when cfg.Enabled, or
// returns nil to leave auditing off (the default).
func newAuditSink(cfg scheduler.AuditConfig) *audit.Sink {
	if !cfg.Enabled {
		return nil
	}
	sink, err := audit.NewSink(context.Background(), cfg.DSN)
	if err != nil {
		log.Printf("audit sink: disabled (connect failed: %v)", err)
		return nil
	}
	return sink
}
