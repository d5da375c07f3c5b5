package tools

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/approval"
	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/core"
	"tradegate/internal/errs"
	"tradegate/internal/gateway"
	"tradegate/internal/killswitch"
	"tradegate/internal/risk"
	"tradegate/pkg/types"
)

func newToolFixture(t *testing.T) (*gateway.Gateway, *core.Core) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditLog := audit.NewMemoryStore()

	ks, err := killswitch.New(killswitch.Options{
		Path: filepath.Join(t.TempDir(), "killswitch.json"),
	}, auditLog, logger)
	if err != nil {
		t.Fatalf("killswitch: %v", err)
	}

	policy := risk.DefaultPolicy()
	for _, id := range []types.RuleID{types.RuleTradingWindow, types.RuleSessionEdge} {
		rc := policy.Rules[id]
		rc.Enabled = false
		policy.Rules[id] = rc
	}

	approvals := approval.NewService(approval.NewProposalStore(0), approval.NewTokenStore(), auditLog, logger)
	adapter := broker.NewCached(broker.NewMock(broker.MockConfig{Seed: 1, FillAfterPolls: 1}))
	c := core.New(core.Options{AccountID: "DU123456"}, adapter, ks, risk.New(policy, logger), approvals, auditLog, logger)
	c.Submitter.SetPollCadence(time.Millisecond, 10)

	gw := gateway.New(auditLog, logger)
	Register(gw, c)
	return gw, c
}

// call runs a tool and decodes the sanitized result as the gateway hands
// it to the agent: plain JSON maps and slices, never internal types.
func call(t *testing.T, gw *gateway.Gateway, tool string, args map[string]any) any {
	t.Helper()
	result, err := gw.Call(context.Background(), "agent-1", "corr-1", tool, args)
	if err != nil {
		t.Fatalf("%s: %v", tool, err)
	}
	return result
}

func callMap(t *testing.T, gw *gateway.Gateway, tool string, args map[string]any) map[string]any {
	t.Helper()
	m, ok := call(t, gw, tool, args).(map[string]any)
	if !ok {
		t.Fatalf("%s: result is not an object", tool)
	}
	return m
}

func intentArgs(qty int64) map[string]any {
	return map[string]any{
		"intent": map[string]any{
			"account_id":    "DU123456",
			"instrument":    map[string]any{"symbol": "AAPL", "type": "STK", "currency": "USD"},
			"side":          "BUY",
			"order_type":    "MKT",
			"quantity":      decimal.NewFromInt(qty),
			"time_in_force": "DAY",
			"reason":        "rebalancing toward target equity allocation",
			"constraints": map[string]any{
				"max_slippage_bps": decimal.NewFromInt(100),
				"max_notional":     decimal.NewFromInt(100000),
			},
		},
	}
}

func TestReadToolSurface(t *testing.T) {
	t.Parallel()

	gw, _ := newToolFixture(t)

	portfolio := callMap(t, gw, "get_portfolio", nil)
	cash, ok := portfolio["cash"].([]any)
	if !ok || len(cash) == 0 {
		t.Fatalf("portfolio cash = %v", portfolio["cash"])
	}
	usd, _ := cash[0].(map[string]any)
	if usd["currency"] != "USD" || usd["available"] != "50000" {
		t.Fatalf("cash = %v", usd)
	}

	snap := callMap(t, gw, "get_market_snapshot", map[string]any{"symbol": "AAPL"})
	inst, _ := snap["instrument"].(map[string]any)
	if inst["symbol"] != "AAPL" {
		t.Fatalf("snapshot = %v", snap)
	}

	bars, ok := call(t, gw, "get_market_bars", map[string]any{"symbol": "AAPL", "limit": float64(5)}).([]any)
	if !ok || len(bars) != 5 {
		t.Fatalf("bars = %v", bars)
	}

	resolved := callMap(t, gw, "resolve_instrument", map[string]any{"con_id": float64(265598)})
	if resolved["symbol"] != "AAPL" {
		t.Fatalf("resolved = %v", resolved)
	}
}

func TestDryRunTools(t *testing.T) {
	t.Parallel()

	gw, c := newToolFixture(t)

	result := callMap(t, gw, "simulate_order", intentArgs(2))
	if result["status"] != string(types.SimSuccess) {
		t.Fatalf("simulation = %v", result)
	}

	eval := callMap(t, gw, "evaluate_risk", intentArgs(1000))
	decision, _ := eval["decision"].(map[string]any)
	if decision["decision"] != string(types.DecisionReject) {
		t.Fatalf("decision = %v, want REJECT for an oversized order", decision)
	}

	// Dry runs never create proposals.
	if n := len(c.Approvals.ListPending(0)); n != 0 {
		t.Fatalf("dry run stored %d proposals", n)
	}
}

func TestProposeThroughTool(t *testing.T) {
	t.Parallel()

	gw, c := newToolFixture(t)
	result := callMap(t, gw, "propose_order", intentArgs(2))
	if result["state"] != string(types.StateApprovalRequested) {
		t.Fatalf("state = %v", result["state"])
	}
	proposalID, _ := result["proposal_id"].(string)
	if proposalID == "" {
		t.Fatal("proposal id missing from result")
	}
	if len(result) != 2 {
		t.Fatalf("result carries extra fields: %v", result)
	}

	// The agent session is the correlation id.
	stored, err := c.Approvals.Get(proposalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CorrelationID != "agent-1" {
		t.Fatalf("correlation = %q", stored.CorrelationID)
	}

	// The agent cannot grant its own proposal: no grant tool exists.
	if _, err := gw.Call(context.Background(), "agent-1", "corr-1", "grant_approval", nil); !errs.IsKind(err, errs.KindPolicy) {
		t.Fatalf("grant tool: got %v, want Policy denial", err)
	}
	// And no submit tool either: execution stays on the human API.
	if _, err := gw.Call(context.Background(), "agent-1", "corr-1", "submit_order", nil); !errs.IsKind(err, errs.KindPolicy) {
		t.Fatalf("submit tool: got %v, want Policy denial", err)
	}

	// A human grant plus core submission completes the flow.
	granted, token, err := c.Approvals.Grant(context.Background(), proposalID, "ops@desk", "ok")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	final, err := c.SubmitProposal(context.Background(), granted.ProposalID, token.TokenID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final.State != types.StateFilled {
		t.Fatalf("state = %s", final.State)
	}
}

// An agent with auto-approval enabled still cannot learn the token: the
// propose result carries only the id and state, and every tool response
// masks credential-class fields.
func TestTokenNeverCrossesToolSurface(t *testing.T) {
	t.Parallel()

	gw, c := newToolFixture(t)
	c.Approvals.SetAutoPolicyFunc(func() approval.AutoPolicy {
		return approval.AutoPolicy{
			Enabled:        true,
			MaxNotional:    decimal.NewFromInt(1000),
			AllowedSymbols: []string{"AAPL"},
		}
	})

	result := callMap(t, gw, "propose_order", intentArgs(2))
	if result["state"] != string(types.StateApprovalGranted) {
		t.Fatalf("state = %v, want APPROVAL_GRANTED via auto-approval", result["state"])
	}
	if _, leaked := result["granted_token_id"]; leaked {
		t.Fatal("propose result must not carry the token")
	}

	proposalID, _ := result["proposal_id"].(string)
	stored, err := c.Approvals.Get(proposalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.GrantedTokenID == "" {
		t.Fatal("auto-approval should have minted a token")
	}

	fetched := callMap(t, gw, "get_proposal", map[string]any{"proposal_id": proposalID})
	if got := fetched["granted_token_id"]; got == stored.GrantedTokenID {
		t.Fatal("get_proposal leaked the granted token")
	} else if got != "***REDACTED***" {
		t.Fatalf("granted_token_id = %v, want masked", got)
	}

	// The masked id is useless at the real submission surface.
	if _, err := c.SubmitProposal(context.Background(), proposalID, "***REDACTED***"); errs.ReasonOf(err) != errs.ReasonTokenInvalid {
		t.Fatalf("got %v, want TOKEN_INVALID", err)
	}
}

func TestToolSchemaEnforced(t *testing.T) {
	t.Parallel()

	gw, _ := newToolFixture(t)
	// Missing required symbol.
	if _, err := gw.Call(context.Background(), "agent-1", "corr-1", "get_market_snapshot", nil); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("got %v, want Validation error", err)
	}
	// Malformed intent payload.
	if _, err := gw.Call(context.Background(), "agent-1", "corr-1", "propose_order", map[string]any{
		"intent": map[string]any{"quantity": "not-a-number"},
	}); err == nil {
		t.Fatal("expected error for malformed intent")
	}
	// resolve_instrument needs at least one of con_id/symbol.
	if _, err := gw.Call(context.Background(), "agent-1", "corr-1", "resolve_instrument", map[string]any{}); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("got %v, want Validation error", err)
	}
}
