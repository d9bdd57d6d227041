// Package events defines the pluggable fan-out contract the scheduler's
// HealthMonitor uses to publish lifecycle events to external observers.
package events

import "context"

// Publisher fans a scheduler lifecycle event out to some external sink.
// Publish must be best-effort: the scheduler never blocks the pipeline on
// it and only counts failures for observability.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
