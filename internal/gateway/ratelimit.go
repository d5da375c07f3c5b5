// ratelimit.go implements token-bucket rate limiting for tool calls.
//
// Buckets refill continuously (fractional tokens) instead of resetting in
// one-minute bursts, so a client pacing itself just under the limit is
// never denied. Three scopes are enforced on every call:
//   - per tool:    60 per minute
//   - per session: 100 per minute
//   - global:      1000 per minute
package gateway

import (
	"sync"
	"time"
)

// Per-minute limits by scope.
const (
	PerToolPerMinute    = 60
	PerSessionPerMinute = 100
	GlobalPerMinute     = 1000
)

// TokenBucket is a continuously-refilling rate limiter. The gateway uses
// the non-blocking Allow; callers are denied, not queued.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
	now      func() time.Time
}

// NewTokenBucket creates a full bucket with the given per-minute budget.
func NewTokenBucket(perMinute float64) *TokenBucket {
	return &TokenBucket{
		tokens:   perMinute,
		capacity: perMinute,
		rate:     perMinute / 60,
		lastTime: time.Now(),
		now:      time.Now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// limiterSet holds the three rate-limit scopes. Tool and session buckets
// are created on first use.
type limiterSet struct {
	mu         sync.Mutex
	global     *TokenBucket
	tools      map[string]*TokenBucket
	sessions   map[string]*TokenBucket
	perTool    float64
	perSession float64
	clock      func() time.Time
}

func newLimiterSet() *limiterSet {
	return &limiterSet{
		global:     NewTokenBucket(GlobalPerMinute),
		tools:      make(map[string]*TokenBucket),
		sessions:   make(map[string]*TokenBucket),
		perTool:    PerToolPerMinute,
		perSession: PerSessionPerMinute,
		clock:      time.Now,
	}
}

// SetLimits replaces the per-minute budgets (the RATE_LIMIT_PER_TOOL,
// RATE_LIMIT_PER_SESSION, and RATE_LIMIT_GLOBAL overrides). Existing
// buckets are discarded; call before serving traffic.
func (g *Gateway) SetLimits(perTool, perSession, global float64) {
	ls := newLimiterSet()
	ls.perTool = perTool
	ls.perSession = perSession
	ls.global = NewTokenBucket(global)
	g.limits = ls
}

// check enforces all three scopes; the first exhausted scope names the
// denial. Scopes drain together, so a denied call still consumed tokens
// from the scopes checked before the one that denied it.
func (l *limiterSet) check(tool, session string) (bool, string) {
	if !l.bucketFor(l.tools, tool, l.perTool).Allow() {
		return false, "tool rate limit exceeded"
	}
	if !l.bucketFor(l.sessions, session, l.perSession).Allow() {
		return false, "session rate limit exceeded"
	}
	if !l.global.Allow() {
		return false, "global rate limit exceeded"
	}
	return true, ""
}

func (l *limiterSet) bucketFor(m map[string]*TokenBucket, key string, perMinute float64) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := m[key]
	if !ok {
		b = NewTokenBucket(perMinute)
		b.now = l.clock
		b.lastTime = l.clock()
		m[key] = b
	}
	return b
}
