// Package gateway is the single entry point for the untrusted agent. Every
// tool call passes four gates in order — allowlist, argument schema, rate
// limits, denial breaker — before the registered handler runs. Each call
// and each denial is audited with redacted arguments.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradegate/internal/audit"
	"tradegate/internal/errs"
)

// Denial breaker: this many consecutive denials trips the gateway shut
// for the full cooldown, measured from the moment it trips. Any allowed
// call resets the streak.
const (
	BreakerDenialThreshold = 100
	BreakerCooldown        = 300 * time.Second
)

// ParamType is the accepted JSON type of one tool argument.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
)

// ParamSpec declares one argument of a tool.
type ParamSpec struct {
	Type     ParamType
	Required bool
}

// Handler executes a tool call with validated arguments.
type Handler func(ctx context.Context, session string, args map[string]any) (any, error)

// ToolSpec is one allowlisted tool: its argument schema and handler.
// Unknown arguments are rejected, not ignored.
type ToolSpec struct {
	Name    string
	Params  map[string]ParamSpec
	Handler Handler
}

// Gateway mediates all tool calls.
type Gateway struct {
	mu    sync.RWMutex
	tools map[string]ToolSpec

	limits   *limiterSet
	breaker  *denialBreaker
	auditLog audit.Store
	logger   *slog.Logger
}

// New creates a gateway with an empty allowlist.
func New(auditLog audit.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		tools:    make(map[string]ToolSpec),
		limits:   newLimiterSet(),
		breaker:  newDenialBreaker(BreakerDenialThreshold, BreakerCooldown),
		auditLog: auditLog,
		logger:   logger.With("component", "gateway"),
	}
}

// Register adds a tool to the allowlist. Registering twice is a wiring
// bug and panics at startup.
func (g *Gateway) Register(spec ToolSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tools[spec.Name]; exists {
		panic(fmt.Sprintf("gateway: tool %s registered twice", spec.Name))
	}
	g.tools[spec.Name] = spec
}

// Tools returns the allowlisted tool names.
func (g *Gateway) Tools() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.tools))
	for name := range g.tools {
		out = append(out, name)
	}
	return out
}

// Call runs one tool call through the gates and the handler. correlationID
// threads the call into the audit trail; an empty one gets generated.
func (g *Gateway) Call(ctx context.Context, session, correlationID, tool string, args map[string]any) (any, error) {
	if g.breaker.open() {
		// Breaker denials are not audited individually; a hammering
		// client would flood the log with the very events that tripped it.
		return nil, errs.Retry(errs.New(errs.KindResource, errs.ReasonBreakerOpen,
			"gateway closed after repeated denials, retry in %s", g.breaker.remaining().Round(time.Second)))
	}

	g.mu.RLock()
	spec, allowed := g.tools[tool]
	g.mu.RUnlock()
	if !allowed {
		return nil, g.deny(ctx, session, correlationID, tool, args,
			errs.New(errs.KindPolicy, errs.ReasonToolDenied, "tool %s is not allowlisted", tool))
	}

	if err := validateArgs(spec, args); err != nil {
		return nil, g.deny(ctx, session, correlationID, tool, args, err)
	}

	if ok, scope := g.limits.check(tool, session); !ok {
		return nil, g.deny(ctx, session, correlationID, tool, args,
			errs.Retry(errs.New(errs.KindResource, errs.ReasonRateLimited, "%s", scope)))
	}

	// Every gate passed: the denial streak is broken.
	g.breaker.reset()

	if err := g.auditLog.Append(ctx, audit.NewEvent(audit.EventToolCalled, correlationID, map[string]any{
		"tool":    tool,
		"session": session,
		"args":    Redact(args),
	})); err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	result, err := spec.Handler(ctx, session, args)
	if err != nil {
		g.logger.Warn("tool call failed", "tool", tool, "session", session, "error", err)
		return nil, err
	}

	// Results cross the trust boundary too: approval tokens and other
	// credential-class fields never reach the agent.
	sanitized, err := Sanitize(result)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.ReasonValidationFailed, err)
	}
	return sanitized, nil
}

// deny audits and counts a denial, then returns the causing error.
func (g *Gateway) deny(ctx context.Context, session, correlationID, tool string, args map[string]any, cause error) error {
	g.breaker.record()
	if err := g.auditLog.Append(ctx, audit.NewEvent(audit.EventToolRejected, correlationID, map[string]any{
		"tool":    tool,
		"session": session,
		"args":    Redact(args),
		"reason":  cause.Error(),
	})); err != nil {
		g.logger.Error("audit write failed for denial", "error", err)
	}
	g.logger.Warn("tool call denied", "tool", tool, "session", session, "reason", cause)
	return cause
}

// validateArgs enforces the declared schema strictly: required params must
// be present, every present param must be declared and type-correct.
func validateArgs(spec ToolSpec, args map[string]any) error {
	for name, p := range spec.Params {
		if _, ok := args[name]; !ok && p.Required {
			return errs.New(errs.KindValidation, errs.ReasonValidationFailed,
				"tool %s: missing required argument %q", spec.Name, name)
		}
	}
	for name, v := range args {
		p, declared := spec.Params[name]
		if !declared {
			return errs.New(errs.KindValidation, errs.ReasonValidationFailed,
				"tool %s: unknown argument %q", spec.Name, name)
		}
		if !typeMatches(p.Type, v) {
			return errs.New(errs.KindValidation, errs.ReasonValidationFailed,
				"tool %s: argument %q must be %s", spec.Name, name, p.Type)
		}
	}
	return nil
}

// typeMatches checks a decoded JSON value against a declared type. JSON
// numbers decode to float64; integers additionally require a whole value.
func typeMatches(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case TypeInteger:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// denialBreaker counts consecutive denials. At the threshold it trips and
// the gateway stops serving for the full cooldown; an allowed call resets
// the streak. How far apart the denials were does not matter.
type denialBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	streak    int
	trippedAt time.Time
	now       func() time.Time
}

func newDenialBreaker(threshold int, cooldown time.Duration) *denialBreaker {
	return &denialBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *denialBreaker) record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak++
	if b.streak >= b.threshold && b.trippedAt.IsZero() {
		b.trippedAt = b.now()
	}
}

func (b *denialBreaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
}

// open reports whether the cooldown is still running. Once it lapses the
// breaker rearms with a clean streak.
func (b *denialBreaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trippedAt.IsZero() {
		return false
	}
	if b.now().Sub(b.trippedAt) >= b.cooldown {
		b.trippedAt = time.Time{}
		b.streak = 0
		return false
	}
	return true
}

func (b *denialBreaker) remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trippedAt.IsZero() {
		return 0
	}
	return b.cooldown - b.now().Sub(b.trippedAt)
}
