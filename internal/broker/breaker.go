package broker

import (
	"sync"
	"time"

	"tradegate/internal/errs"
)

// breakerState is the circuit breaker position.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker protects the brokerage connection: after maxFailures consecutive
// failures it opens and rejects calls locally; after the cool-down it
// half-opens and lets a single probe through. A success closes it again.
type Breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	maxFailures int
	coolDown    time.Duration
	openedAt    time.Time
	now         func() time.Time // injectable clock for tests
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, coolDown time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		coolDown:    coolDown,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed. While open, it returns a
// retriable Resource error carrying the remaining cool-down.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if b.now().Sub(b.openedAt) >= b.coolDown {
			b.state = breakerHalfOpen
			return nil
		}
		remaining := b.coolDown - b.now().Sub(b.openedAt)
		return errs.Retry(errs.New(errs.KindResource, errs.ReasonBreakerOpen,
			"broker circuit open for another %s", remaining.Round(time.Second)))
	}
	return nil
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

// RecordFailure counts a failure; at the threshold (or on a half-open
// probe failure) the breaker opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.maxFailures {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// Open reports whether the breaker currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.openedAt) < b.coolDown
}
