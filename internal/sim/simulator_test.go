package sim

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

func testPortfolio(cash string) types.Portfolio {
	return types.Portfolio{
		AccountID: "DU123456",
		Cash: []types.Cash{
			{Currency: "USD", Available: decimal.RequireFromString(cash), Total: decimal.RequireFromString(cash)},
		},
		Positions: []types.Position{
			{
				Instrument:  types.Instrument{Symbol: "SPY", Type: types.InstrumentETF, Currency: "USD"},
				Quantity:    decimal.NewFromInt(100),
				MarketValue: decimal.NewFromInt(46000),
			},
		},
		TotalValue: decimal.RequireFromString(cash).Add(decimal.NewFromInt(46000)),
		Timestamp:  time.Now(),
	}
}

func aaplSnapshot() *types.MarketSnapshot {
	return &types.MarketSnapshot{
		Instrument: types.Instrument{Symbol: "AAPL", Type: types.InstrumentSTK, Currency: "USD"},
		Bid:        decimal.RequireFromString("190.28"),
		Ask:        decimal.RequireFromString("190.47"),
		Last:       decimal.RequireFromString("190.40"),
		Timestamp:  time.Now(),
	}
}

func buyIntent(qty int64) types.OrderIntent {
	return types.OrderIntent{
		AccountID:   "DU123456",
		Instrument:  types.Instrument{Symbol: "AAPL", Type: types.InstrumentSTK, Currency: "USD"},
		Side:        types.BUY,
		OrderType:   types.OrderTypeMKT,
		Quantity:    decimal.NewFromInt(qty),
		TimeInForce: types.TIFDay,
		Reason:      "Portfolio rebalance to target allocation",
		Constraints: types.OrderConstraints{
			MaxSlippageBps: decimal.NewFromInt(50),
			MaxNotional:    decimal.NewFromInt(250000),
		},
	}
}

func TestSimulateHappyPathBuyMarket(t *testing.T) {
	t.Parallel()

	r := Simulate(testPortfolio("50000"), aaplSnapshot(), buyIntent(10), DefaultConfig())

	if r.Status != types.SimSuccess {
		t.Fatalf("status = %s (%s), want SUCCESS", r.Status, r.ErrorMessage)
	}

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"execution_price", r.ExecutionPrice, "190.47"},
		{"gross_notional", r.GrossNotional, "1904.70"},
		{"estimated_fee", r.EstimatedFee, "1.00"},
		{"estimated_slippage", r.EstimatedSlippage, "0.95"},
		{"net_notional", r.NetNotional, "1906.65"},
		{"cash_before", r.CashBefore, "50000"},
		{"cash_after", r.CashAfter, "48093.35"},
	}
	for _, c := range checks {
		if !c.got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
}

func TestSimulateDeterministic(t *testing.T) {
	t.Parallel()

	a := Simulate(testPortfolio("50000"), aaplSnapshot(), buyIntent(10), DefaultConfig())
	b := Simulate(testPortfolio("50000"), aaplSnapshot(), buyIntent(10), DefaultConfig())
	if !reflect.DeepEqual(a, b) {
		t.Errorf("identical inputs produced different results:\n%+v\n%+v", a, b)
	}
}

func TestSimulateSellUsesBidAndCredits(t *testing.T) {
	t.Parallel()

	intent := buyIntent(10)
	intent.Side = types.SELL
	r := Simulate(testPortfolio("50000"), aaplSnapshot(), intent, DefaultConfig())

	if r.Status != types.SimSuccess {
		t.Fatalf("status = %s, want SUCCESS", r.Status)
	}
	if !r.ExecutionPrice.Equal(decimal.RequireFromString("190.28")) {
		t.Errorf("SELL execution price = %s, want bid 190.28", r.ExecutionPrice)
	}
	// SELL: proceeds minus fee and slippage are credited.
	gross := decimal.RequireFromString("1902.80")
	if !r.GrossNotional.Equal(gross) {
		t.Errorf("gross = %s, want %s", r.GrossNotional, gross)
	}
	if !r.NetNotional.LessThan(gross) {
		t.Errorf("SELL net %s should be below gross %s", r.NetNotional, gross)
	}
	if !r.CashAfter.GreaterThan(r.CashBefore) {
		t.Error("SELL should increase cash")
	}
}

func TestSimulateLimitOrderNoSlippage(t *testing.T) {
	t.Parallel()

	intent := buyIntent(10)
	intent.OrderType = types.OrderTypeLMT
	limit := decimal.RequireFromString("189.50")
	intent.LimitPrice = &limit

	r := Simulate(testPortfolio("50000"), aaplSnapshot(), intent, DefaultConfig())
	if r.Status != types.SimSuccess {
		t.Fatalf("status = %s, want SUCCESS", r.Status)
	}
	if !r.ExecutionPrice.Equal(limit) {
		t.Errorf("LMT execution price = %s, want %s", r.ExecutionPrice, limit)
	}
	if !r.EstimatedSlippage.IsZero() {
		t.Errorf("LMT slippage = %s, want 0", r.EstimatedSlippage)
	}
}

func TestSimulateInsufficientCash(t *testing.T) {
	t.Parallel()

	r := Simulate(testPortfolio("1000"), aaplSnapshot(), buyIntent(10), DefaultConfig())
	if r.Status != types.SimInsufficientCash {
		t.Errorf("status = %s, want INSUFFICIENT_CASH", r.Status)
	}
}

func TestSimulateCashExactlyZeroSucceeds(t *testing.T) {
	t.Parallel()

	// Net cost of BUY 10 AAPL MKT is exactly 1906.65.
	r := Simulate(testPortfolio("1906.65"), aaplSnapshot(), buyIntent(10), DefaultConfig())
	if r.Status != types.SimSuccess {
		t.Fatalf("status = %s (%s), want SUCCESS at exactly zero remaining cash", r.Status, r.ErrorMessage)
	}
	if !r.CashAfter.IsZero() {
		t.Errorf("cash_after = %s, want 0", r.CashAfter)
	}
}

func TestSimulateInvalidQuantity(t *testing.T) {
	t.Parallel()

	intent := buyIntent(10)
	intent.Quantity = decimal.Zero
	r := Simulate(testPortfolio("50000"), aaplSnapshot(), intent, DefaultConfig())
	if r.Status != types.SimInvalidQuantity {
		t.Errorf("status = %s, want INVALID_QUANTITY", r.Status)
	}
}

func TestSimulatePriceUnavailable(t *testing.T) {
	t.Parallel()

	r := Simulate(testPortfolio("50000"), nil, buyIntent(10), DefaultConfig())
	if r.Status != types.SimPriceUnavailable {
		t.Errorf("status = %s, want PRICE_UNAVAILABLE", r.Status)
	}
}

func TestSimulateConstraintViolated(t *testing.T) {
	t.Parallel()

	intent := buyIntent(10)
	intent.Constraints.MaxNotional = decimal.NewFromInt(1000)
	r := Simulate(testPortfolio("50000"), aaplSnapshot(), intent, DefaultConfig())
	if r.Status != types.SimConstraintViolated {
		t.Errorf("status = %s, want CONSTRAINT_VIOLATED on notional", r.Status)
	}

	// Slippage exactly at the constraint passes (non-strict bound).
	// 0.95 / 1904.70 × 10000 rounds to 4.9877 bps.
	intent = buyIntent(10)
	intent.Constraints.MaxSlippageBps = decimal.RequireFromString("4.9877")
	r = Simulate(testPortfolio("50000"), aaplSnapshot(), intent, DefaultConfig())
	if r.Status != types.SimSuccess {
		t.Errorf("status = %s, want SUCCESS at exact slippage bound (bps=%s)", r.Status, r.SlippageBps)
	}

	// One tick tighter and it violates.
	intent.Constraints.MaxSlippageBps = decimal.RequireFromString("4.9876")
	r = Simulate(testPortfolio("50000"), aaplSnapshot(), intent, DefaultConfig())
	if r.Status != types.SimConstraintViolated {
		t.Errorf("status = %s, want CONSTRAINT_VIOLATED just under the bound", r.Status)
	}
}

func TestSimulateExposure(t *testing.T) {
	t.Parallel()

	intent := buyIntent(10)
	intent.Instrument.Symbol = "SPY"
	intent.Instrument.Type = types.InstrumentETF
	snap := aaplSnapshot()
	snap.Instrument.Symbol = "SPY"

	r := Simulate(testPortfolio("50000"), snap, intent, DefaultConfig())
	if r.Status != types.SimSuccess {
		t.Fatalf("status = %s, want SUCCESS", r.Status)
	}
	if !r.ExposureBefore.Equal(decimal.NewFromInt(46000)) {
		t.Errorf("exposure_before = %s, want 46000", r.ExposureBefore)
	}
	want := decimal.NewFromInt(46000).Add(r.GrossNotional)
	if !r.ExposureAfter.Equal(want) {
		t.Errorf("exposure_after = %s, want %s", r.ExposureAfter, want)
	}
}

func TestSimulateWarnings(t *testing.T) {
	t.Parallel()

	// 300 shares ≈ $57k gross: triggers the large-trade warning and the
	// market-order warning.
	intent := buyIntent(300)
	r := Simulate(testPortfolio("100000"), aaplSnapshot(), intent, DefaultConfig())
	if r.Status != types.SimSuccess {
		t.Fatalf("status = %s (%s), want SUCCESS", r.Status, r.ErrorMessage)
	}
	if len(r.Warnings) < 2 {
		t.Errorf("warnings = %v, want market-order and large-trade warnings", r.Warnings)
	}
}
