package scheduler

import (
	"sync"
	"time"
)

// circuitState is the state of the admission circuit breaker.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitHalfOpen
	circuitOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitHalfOpen:
		return "half_open"
	case circuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// circuitBreaker gates admission when the queue is deep or the pipeline is
// saturated: closed -> open above threshold -> half-open trial after a
// cooldown -> closed once TestLimit trial requests have been admitted and
// queue depth and saturation are back under threshold. The outcomes of the
// trial requests are not tracked.
type circuitBreaker struct {
	mu    sync.RWMutex
	state circuitState

	cfg CircuitBreakerConfig

	openedAt  time.Time
	testCount int
}

func newCircuitBreaker(cfg CircuitBreakerConfig) *circuitBreaker {
	if cfg.TestLimit <= 0 {
		cfg.TestLimit = 5
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}
	if cfg.SaturationThreshold <= 0 {
		cfg.SaturationThreshold = 0.95
	}
	return &circuitBreaker{state: circuitClosed, cfg: cfg}
}

// shouldAdmit decides whether a request should be admitted given the
// current queue depth and pipeline saturation (0-1).
func (cb *circuitBreaker) shouldAdmit(queueDepth int, saturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitOpen && time.Since(cb.openedAt) > cb.cfg.CooldownPeriod {
		cb.state = circuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == circuitHalfOpen {
		if cb.testCount < cb.cfg.TestLimit {
			cb.testCount++
			return true
		}
		if queueDepth < cb.cfg.QueueThreshold/2 && saturation < cb.cfg.SaturationThreshold {
			cb.state = circuitClosed
			return true
		}
		cb.state = circuitOpen
		cb.openedAt = time.Now()
		return false
	}

	if queueDepth > cb.cfg.QueueThreshold || saturation > cb.cfg.SaturationThreshold {
		cb.state = circuitOpen
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == circuitClosed
}

func (cb *circuitBreaker) getState() circuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
