// Package audit provides an optional, write-only sink for terminal
// request outcomes. It never reads back into the scheduler — it cannot be
// used to reconstruct queue state, so enabling it does not reintroduce
// queue persistence across restarts.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kairosinfer/disaggsched/scheduler"
)

// Sink records terminal request outcomes (completed or failed) to
// Postgres for offline analysis. It is entirely optional: a nil *Sink (or
// one never subscribed to the scheduler's event stream) changes nothing
// about scheduling behavior.
type Sink struct {
	pool *pgxpool.Pool
}

// NewSink opens a connection pool against dsn, sized for concurrent
// write load.
func NewSink(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Sink{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// Observer returns a callback suitable for HealthMonitor.SetObserver: each
// event is recorded in its own goroutine with a bounded deadline, so a slow
// or unreachable database never stalls the emitting call. Write failures are
// logged, never propagated into the pipeline.
func (s *Sink) Observer(logf func(format string, args ...interface{})) func(scheduler.Event) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return func(e scheduler.Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.RecordEvent(ctx, e); err != nil {
				logf("audit: failed to record event %s: %v", e.Kind, err)
			}
		}()
	}
}

// RecordEvent persists one terminal scheduler event. Non-terminal kinds
// are ignored. Write failures are logged by the caller (typically the
// callback returned by Observer) and never propagate into the pipeline.
func (s *Sink) RecordEvent(ctx context.Context, e scheduler.Event) error {
	if e.Kind != scheduler.EventRequestCompleted && e.Kind != scheduler.EventRequestFailed {
		return nil
	}

	requestID, _ := e.Payload["requestId"].(string)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_audit (request_id, kind, payload, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			recorded_at = EXCLUDED.recorded_at
	`, requestID, string(e.Kind), e.Payload, e.Timestamp)
	return err
}
