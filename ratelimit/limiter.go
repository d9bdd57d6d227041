// Package ratelimit provides a per-key token-bucket admission limiter,
// keyed on whatever partition a caller needs (here, the model id).
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a per-key token bucket: each key gets its own independent
// bucket, lazily created on first use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// New creates a limiter where every key is allowed ratePerSecond tokens
// per second with the given burst.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow reports whether key may proceed right now, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	return lim
}
