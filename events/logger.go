package events

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// LogPublisher is the default Publisher: it writes each event as a single
// log line (topic, timestamp and JSON-encoded payload) through the standard
// logger.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher returns a Publisher that writes to the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

// NewLogPublisherWithLogger returns a Publisher writing through l, for
// callers (including tests) that want to redirect or capture output.
func NewLogPublisherWithLogger(l *log.Logger) *LogPublisher {
	return &LogPublisher{logger: l}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.logger.Printf("[EVENT] %s @ %s: %s", topic, time.Now().Format(time.RFC3339Nano), string(data))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
