package gateway

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tradegate/internal/audit"
	"tradegate/internal/errs"
)

func newTestGateway(t *testing.T) (*Gateway, *audit.MemoryStore) {
	t.Helper()
	log := audit.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(log, logger)
	g.Register(ToolSpec{
		Name: "get_portfolio",
		Params: map[string]ParamSpec{
			"account_id": {Type: TypeString, Required: true},
		},
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return map[string]any{"account_id": args["account_id"]}, nil
		},
	})
	return g, log
}

func TestCallHappyPath(t *testing.T) {
	t.Parallel()

	g, log := newTestGateway(t)
	result, err := g.Call(context.Background(), "sess-1", "corr-1", "get_portfolio",
		map[string]any{"account_id": "DU123456"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result == nil {
		t.Fatal("no result")
	}

	stats, _ := log.Stats(context.Background())
	if stats[audit.EventToolCalled] != 1 {
		t.Fatalf("audit stats = %v", stats)
	}
}

func TestCallUnknownToolDenied(t *testing.T) {
	t.Parallel()

	g, log := newTestGateway(t)
	_, err := g.Call(context.Background(), "sess-1", "corr-1", "drop_tables", nil)
	if errs.ReasonOf(err) != errs.ReasonToolDenied {
		t.Fatalf("got %v, want TOOL_DENIED", err)
	}
	stats, _ := log.Stats(context.Background())
	if stats[audit.EventToolRejected] != 1 {
		t.Fatalf("audit stats = %v", stats)
	}
}

func TestCallSchemaValidation(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"unknown argument", map[string]any{"account_id": "DU1", "verbose": true}},
		{"wrong type", map[string]any{"account_id": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Call(context.Background(), "s", "c", "get_portfolio", tt.args); !errs.IsKind(err, errs.KindValidation) {
				t.Fatalf("got %v, want Validation error", err)
			}
		})
	}
}

func TestTypeMatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		t    ParamType
		v    any
		want bool
	}{
		{TypeString, "x", true},
		{TypeString, 1.0, false},
		{TypeNumber, 1.5, true},
		{TypeInteger, 3.0, true},   // JSON numbers decode as float64
		{TypeInteger, 3.5, false},
		{TypeBoolean, true, true},
		{TypeObject, map[string]any{}, true},
		{TypeObject, []any{}, false},
	}
	for _, tt := range tests {
		if got := typeMatches(tt.t, tt.v); got != tt.want {
			t.Errorf("typeMatches(%s, %v) = %v, want %v", tt.t, tt.v, got, tt.want)
		}
	}
}

func TestPerToolRateLimit(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.limits.clock = func() time.Time { return now }
	g.limits.global.now = func() time.Time { return now }
	g.limits.global.lastTime = now

	args := map[string]any{"account_id": "DU123456"}
	for i := 0; i < PerToolPerMinute; i++ {
		if _, err := g.Call(context.Background(), "sess-1", "c", "get_portfolio", args); err != nil {
			// Session bucket (100/min) outlasts the tool bucket (60/min),
			// so the first denial must be the tool scope.
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := g.Call(context.Background(), "sess-1", "c", "get_portfolio", args)
	if errs.ReasonOf(err) != errs.ReasonRateLimited {
		t.Fatalf("got %v, want RATE_LIMITED", err)
	}

	// Refill: one minute later the budget is back.
	now = now.Add(time.Minute)
	if _, err := g.Call(context.Background(), "sess-1", "c", "get_portfolio", args); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestSetLimitsShrinksBudget(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	g.SetLimits(2, 100, 1000)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.limits.clock = func() time.Time { return now }
	g.limits.global.now = func() time.Time { return now }
	g.limits.global.lastTime = now

	args := map[string]any{"account_id": "DU123456"}
	for i := 0; i < 2; i++ {
		if _, err := g.Call(context.Background(), "sess-1", "c", "get_portfolio", args); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := g.Call(context.Background(), "sess-1", "c", "get_portfolio", args); errs.ReasonOf(err) != errs.ReasonRateLimited {
		t.Fatalf("got %v, want RATE_LIMITED under the reduced budget", err)
	}
}

func TestPerSessionRateLimitIsolated(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.limits.clock = func() time.Time { return now }
	g.limits.global.now = func() time.Time { return now }
	g.limits.global.lastTime = now

	args := map[string]any{"account_id": "DU123456"}
	// Exhaust one session's tool budget.
	for i := 0; i < PerToolPerMinute; i++ {
		if _, err := g.Call(context.Background(), "sess-1", "c", "get_portfolio", args); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := g.Call(context.Background(), "sess-1", "c", "get_portfolio", args); err == nil {
		t.Fatal("sess-1 should be limited")
	}
	// Tool bucket is shared across sessions, so sess-2 is also limited on
	// this tool; its own session bucket though is untouched.
	if _, err := g.Call(context.Background(), "sess-2", "c", "get_portfolio", args); errs.ReasonOf(err) != errs.ReasonRateLimited {
		t.Fatalf("got %v, want RATE_LIMITED (shared tool bucket)", err)
	}
}

func TestDenialBreakerTrips(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.breaker.now = func() time.Time { return now }

	// Denials spread over longer than the cooldown still trip: the streak
	// is consecutive, not windowed.
	for i := 0; i < BreakerDenialThreshold; i++ {
		if _, err := g.Call(context.Background(), "s", "c", "no_such_tool", nil); errs.ReasonOf(err) != errs.ReasonToolDenied {
			t.Fatalf("denial %d: %v", i, err)
		}
		now = now.Add(4 * time.Second)
	}

	// Breaker is open: even a valid call is refused.
	_, err := g.Call(context.Background(), "s", "c", "get_portfolio", map[string]any{"account_id": "DU1"})
	if errs.ReasonOf(err) != errs.ReasonBreakerOpen {
		t.Fatalf("got %v, want BREAKER_OPEN", err)
	}

	// The cooldown runs in full from the trip, not from the first denial.
	now = now.Add(BreakerCooldown - time.Second)
	if _, err := g.Call(context.Background(), "s", "c", "get_portfolio", map[string]any{"account_id": "DU1"}); errs.ReasonOf(err) != errs.ReasonBreakerOpen {
		t.Fatalf("got %v, want BREAKER_OPEN for the whole cooldown", err)
	}

	// Cooldown lapses: service resumes.
	now = now.Add(time.Second)
	if _, err := g.Call(context.Background(), "s", "c", "get_portfolio", map[string]any{"account_id": "DU1"}); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
}

func TestDenialBreakerStreakResetsOnAllowedCall(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.breaker.now = func() time.Time { return now }

	for i := 0; i < BreakerDenialThreshold-1; i++ {
		if _, err := g.Call(context.Background(), "s", "c", "no_such_tool", nil); errs.ReasonOf(err) != errs.ReasonToolDenied {
			t.Fatalf("denial %d: %v", i, err)
		}
	}

	// One good call on the edge of tripping clears the streak.
	if _, err := g.Call(context.Background(), "s", "c", "get_portfolio", map[string]any{"account_id": "DU1"}); err != nil {
		t.Fatalf("good call: %v", err)
	}

	// The next denial starts a fresh streak, so the breaker stays closed.
	if _, err := g.Call(context.Background(), "s", "c", "no_such_tool", nil); errs.ReasonOf(err) != errs.ReasonToolDenied {
		t.Fatalf("got %v, want TOOL_DENIED (breaker must stay closed)", err)
	}
	if g.breaker.open() {
		t.Fatal("breaker tripped despite the reset")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	g.Register(ToolSpec{Name: "get_portfolio"})
}

func TestRedact(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"api_key":         "sk-live-abcdef",
		"account_id":      "DU123456",
		"broker_order_id": "MOCK-000123",
		"proposal_id":     "0f9a8b7c-1234-5678-9abc-def012345678",
		"quantity":        "10",
		"nested": map[string]any{
			"password": "hunter2",
			"symbol":   "AAPL",
		},
	}
	out := Redact(in)

	if out["api_key"] != redacted {
		t.Fatalf("api_key = %v", out["api_key"])
	}
	if out["account_id"] != "***56" {
		t.Fatalf("account_id = %v", out["account_id"])
	}
	if out["broker_order_id"] != "***0123" {
		t.Fatalf("broker_order_id = %v", out["broker_order_id"])
	}
	if out["proposal_id"] != "***12345678" {
		t.Fatalf("proposal_id = %v", out["proposal_id"])
	}
	if out["quantity"] != "10" {
		t.Fatalf("quantity = %v", out["quantity"])
	}
	nested := out["nested"].(map[string]any)
	if nested["password"] != redacted || nested["symbol"] != "AAPL" {
		t.Fatalf("nested = %v", nested)
	}

	// The input is untouched.
	if in["api_key"] != "sk-live-abcdef" {
		t.Fatal("Redact must not mutate its input")
	}
}

func TestSanitizeMasksCredentialFields(t *testing.T) {
	t.Parallel()

	type grant struct {
		ProposalID     string `json:"proposal_id"`
		GrantedTokenID string `json:"granted_token_id"`
		Symbol         string `json:"symbol"`
	}
	out, err := Sanitize(grant{
		ProposalID:     "0f9a8b7c-1234-5678-9abc-def012345678",
		GrantedTokenID: "tok-secret-1",
		Symbol:         "AAPL",
	})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	m := out.(map[string]any)
	if m["granted_token_id"] != redacted {
		t.Fatalf("granted_token_id = %v", m["granted_token_id"])
	}
	// Identifiers survive intact: the agent correlates by them.
	if m["proposal_id"] != "0f9a8b7c-1234-5678-9abc-def012345678" || m["symbol"] != "AAPL" {
		t.Fatalf("sanitized = %v", m)
	}
}

func TestSanitizeWalksNestedResults(t *testing.T) {
	t.Parallel()

	out, err := Sanitize(map[string]any{
		"proposals": []any{
			map[string]any{"proposal_id": "p1", "token_id": "tok-1"},
			map[string]any{"proposal_id": "p2", "token_id": "tok-2"},
		},
	})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	list := out.(map[string]any)["proposals"].([]any)
	for i, item := range list {
		if item.(map[string]any)["token_id"] != redacted {
			t.Fatalf("proposal %d leaked its token", i)
		}
	}
}

// A result that passed through the gateway carries no credential-class
// field, even when the handler returns one.
func TestCallSanitizesHandlerResult(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t)
	g.Register(ToolSpec{
		Name: "get_grant",
		Handler: func(ctx context.Context, session string, args map[string]any) (any, error) {
			return map[string]any{"granted_token_id": "tok-live-1", "state": "APPROVAL_GRANTED"}, nil
		},
	})
	result, err := g.Call(context.Background(), "s", "c", "get_grant", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	m := result.(map[string]any)
	if m["granted_token_id"] != redacted {
		t.Fatalf("granted_token_id = %v", m["granted_token_id"])
	}
	if m["state"] != "APPROVAL_GRANTED" {
		t.Fatalf("state = %v", m["state"])
	}
}
