package router

import (
	"sync"
	"time"
)

// circuitState mirrors the three-state breaker the teacher's Chrome
// HTTP client uses around outbound calls, retargeted here at a
// device's extension transport: repeated write failures trip the
// breaker so the router stops writing to a dead socket; while it is
// open, new frames go to the device's bounded backlog (QUEUE_FULL once
// that is full) until the reset timeout elapses.
type circuitState uint8

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	mu           sync.Mutex
	state        circuitState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a call should be attempted, transitioning an
// open breaker to half-open once the reset timeout has elapsed.
func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitOpen:
		if time.Since(c.openedAt) >= c.resetTimeout {
			c.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = circuitClosed
}

// RecordFailure increments the failure count, opening the breaker once
// the threshold is reached (or immediately, if the probe call from
// half-open itself failed).
func (c *circuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = time.Now()
		return
	}
	c.failures++
	if c.failures >= c.threshold {
		c.state = circuitOpen
		c.openedAt = time.Now()
	}
}
