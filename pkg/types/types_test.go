package types

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validIntent() OrderIntent {
	return OrderIntent{
		AccountID: "DU123456",
		Instrument: Instrument{
			Symbol:   "AAPL",
			Type:     InstrumentSTK,
			Currency: "USD",
		},
		Side:        BUY,
		OrderType:   OrderTypeMKT,
		Quantity:    decimal.NewFromInt(10),
		TimeInForce: TIFDay,
		Reason:      "Portfolio rebalance to target allocation",
		Constraints: OrderConstraints{
			MaxSlippageBps: decimal.NewFromInt(50),
			MaxNotional:    decimal.NewFromInt(10000),
		},
	}
}

func TestIntentValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*OrderIntent)
		wantErr string
	}{
		{"valid", func(i *OrderIntent) {}, ""},
		{"missing account", func(i *OrderIntent) { i.AccountID = "" }, "account_id"},
		{"missing symbol", func(i *OrderIntent) { i.Instrument.Symbol = "" }, "symbol"},
		{"bad instrument type", func(i *OrderIntent) { i.Instrument.Type = "OPT" }, "instrument.type"},
		{"bad side", func(i *OrderIntent) { i.Side = "HOLD" }, "side"},
		{"zero quantity", func(i *OrderIntent) { i.Quantity = decimal.Zero }, "quantity"},
		{"negative quantity", func(i *OrderIntent) { i.Quantity = decimal.NewFromInt(-1) }, "quantity"},
		{"limit order without limit price", func(i *OrderIntent) {
			i.OrderType = OrderTypeLMT
		}, "limit_price"},
		{"market order with limit price", func(i *OrderIntent) {
			p := decimal.NewFromInt(100)
			i.LimitPrice = &p
		}, "limit_price"},
		{"stop order without stop price", func(i *OrderIntent) {
			i.OrderType = OrderTypeSTP
		}, "stop_price"},
		{"stop-limit needs both", func(i *OrderIntent) {
			i.OrderType = OrderTypeSTPLMT
			p := decimal.NewFromInt(100)
			i.LimitPrice = &p
		}, "stop_price"},
		{"bad tif", func(i *OrderIntent) { i.TimeInForce = "GTD" }, "time_in_force"},
		{"short reason", func(i *OrderIntent) { i.Reason = "rebalance" }, "reason"},
		{"two-word reason", func(i *OrderIntent) { i.Reason = "rebalancing portfolio" }, "reason"},
		{"slippage over 1000", func(i *OrderIntent) {
			i.Constraints.MaxSlippageBps = decimal.NewFromInt(1001)
		}, "max_slippage_bps"},
		{"zero max notional", func(i *OrderIntent) {
			i.Constraints.MaxNotional = decimal.Zero
		}, "max_notional"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			intent := validIntent()
			tt.mutate(&intent)
			err := intent.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIntentHashStable(t *testing.T) {
	t.Parallel()

	a := validIntent()
	b := validIntent()
	b.Instrument.Symbol = "aapl" // normalization uppercases before hashing

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if ha != hb {
		t.Errorf("equivalent intents hash differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(ha))
	}

	c := validIntent()
	c.Quantity = decimal.NewFromInt(11)
	hc, _ := c.Hash()
	if hc == ha {
		t.Error("different intents must not collide on hash")
	}
}

func TestOrderStateTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to OrderState }{
		{StateProposed, StateSimulated},
		{StateSimulated, StateRiskApproved},
		{StateSimulated, StateRiskRejected},
		{StateRiskApproved, StateApprovalRequested},
		{StateRiskApproved, StateApprovalGranted},
		{StateApprovalRequested, StateApprovalGranted},
		{StateApprovalRequested, StateApprovalDenied},
		{StateApprovalGranted, StateSubmitted},
		{StateSubmitted, StateFilled},
		{StateSubmitted, StateCancelled},
		{StateSubmitted, StateRejected},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s → %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to OrderState }{
		{StateProposed, StateRiskApproved},      // skips SIMULATED
		{StateProposed, StateSubmitted},         // skips everything
		{StateRiskApproved, StateSubmitted},     // skips approval
		{StateApprovalRequested, StateSubmitted},
		{StateFilled, StateSubmitted},           // terminal
		{StateRiskRejected, StateRiskApproved},  // terminal
		{StateApprovalDenied, StateApprovalGranted},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s → %s should be forbidden", tr.from, tr.to)
		}
	}
}

func TestProposalWithState(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := OrderProposal{
		ProposalID: "p1",
		State:      StateProposed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	later := now.Add(time.Second)
	succ, err := p.WithState(StateSimulated, later)
	if err != nil {
		t.Fatalf("WithState(SIMULATED) error: %v", err)
	}
	if succ.State != StateSimulated {
		t.Errorf("successor state = %s, want SIMULATED", succ.State)
	}
	if !succ.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt not advanced")
	}
	if p.State != StateProposed {
		t.Errorf("receiver mutated: state = %s", p.State)
	}

	if _, err := p.WithState(StateSubmitted, later); err == nil {
		t.Error("skipping states should fail")
	}

	terminal := OrderProposal{ProposalID: "p2", State: StateFilled}
	if _, err := terminal.WithState(StateSubmitted, later); err == nil {
		t.Error("transition out of terminal state should fail")
	}
}

func TestTokenValidity(t *testing.T) {
	t.Parallel()

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := issued.Add(5 * time.Minute)
	tok := ApprovalToken{
		TokenID:    "t1",
		ProposalID: "p1",
		IntentHash: "abc",
		IssuedAt:   issued,
		ExpiresAt:  expires,
	}

	if !tok.IsValid(issued.Add(time.Minute)) {
		t.Error("fresh token should be valid")
	}
	if tok.IsValid(expires) {
		t.Error("token exactly at expiry must be invalid (strict)")
	}
	if tok.IsValid(expires.Add(time.Second)) {
		t.Error("expired token must be invalid")
	}

	used := issued.Add(time.Minute)
	tok.UsedAt = &used
	if tok.IsValid(issued.Add(2 * time.Minute)) {
		t.Error("consumed token must be invalid")
	}
}

func TestPortfolioHelpers(t *testing.T) {
	t.Parallel()

	p := Portfolio{
		AccountID: "DU123456",
		Positions: []Position{
			{Instrument: Instrument{Symbol: "SPY"}, Quantity: decimal.NewFromInt(100)},
		},
		Cash: []Cash{
			{Currency: "USD", Available: decimal.NewFromInt(50000), Total: decimal.NewFromInt(50000)},
		},
	}

	if got := p.CashAvailable("USD"); !got.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("CashAvailable(USD) = %s, want 50000", got)
	}
	if got := p.CashAvailable("EUR"); !got.IsZero() {
		t.Errorf("CashAvailable(EUR) = %s, want 0", got)
	}
	if p.PositionFor("SPY") == nil {
		t.Error("PositionFor(SPY) = nil, want position")
	}
	if p.PositionFor("AAPL") != nil {
		t.Error("PositionFor(AAPL) should be nil")
	}
}

func TestSnapshotMid(t *testing.T) {
	t.Parallel()

	s := MarketSnapshot{
		Bid: decimal.RequireFromString("190.28"),
		Ask: decimal.RequireFromString("190.47"),
	}
	want := decimal.RequireFromString("190.375")
	if got := s.Mid(); !got.Equal(want) {
		t.Errorf("Mid() = %s, want %s", got, want)
	}
}
