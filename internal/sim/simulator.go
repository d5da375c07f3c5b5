// Package sim implements the deterministic pre-trade simulator.
//
// Given a portfolio, a market snapshot, and an order intent, Simulate
// projects execution price, fees, slippage, post-trade cash, and post-trade
// exposure. All arithmetic is fixed-precision decimal: equal inputs produce
// identical results, which is what makes simulation output safe to hash
// into the approval flow.
package sim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// Config tunes the cost model. Zero values are replaced by defaults.
type Config struct {
	BaseSlippageBps    decimal.Decimal // market-order slippage floor, default 5 bps
	MarketImpactFactor decimal.Decimal // extra bps per liquidity-proxy multiple, default 0
	LiquidityProxy     decimal.Decimal // notional considered "one unit" of book depth, default $10,000
	PerShareRate       decimal.Decimal // commission per share, default $0.005
	MinFee             decimal.Decimal // commission floor, default $1
	MaxFeeFraction     decimal.Decimal // commission cap as fraction of gross, default 0.01
}

// DefaultConfig returns the standard cost model.
func DefaultConfig() Config {
	return Config{
		BaseSlippageBps:    decimal.NewFromInt(5),
		MarketImpactFactor: decimal.Zero,
		LiquidityProxy:     decimal.NewFromInt(10000),
		PerShareRate:       decimal.RequireFromString("0.005"),
		MinFee:             decimal.NewFromInt(1),
		MaxFeeFraction:     decimal.RequireFromString("0.01"),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseSlippageBps.IsZero() {
		c.BaseSlippageBps = d.BaseSlippageBps
	}
	if c.LiquidityProxy.IsZero() {
		c.LiquidityProxy = d.LiquidityProxy
	}
	if c.PerShareRate.IsZero() {
		c.PerShareRate = d.PerShareRate
	}
	if c.MinFee.IsZero() {
		c.MinFee = d.MinFee
	}
	if c.MaxFeeFraction.IsZero() {
		c.MaxFeeFraction = d.MaxFeeFraction
	}
	return c
}

var (
	bpsDivisor        = decimal.NewFromInt(10000)
	largeTradeWarnUSD = decimal.NewFromInt(50000)
	slippageWarnBps   = decimal.NewFromInt(20)
)

// Simulate projects the effect of intent on the portfolio at the prices in
// snapshot. It never contacts the network; the snapshot is an explicit
// argument so the result cannot depend on hidden cache state.
func Simulate(portfolio types.Portfolio, snapshot *types.MarketSnapshot, intent types.OrderIntent, cfg Config) types.SimulationResult {
	cfg = cfg.withDefaults()

	if !intent.Quantity.IsPositive() {
		return types.SimulationResult{
			Status:       types.SimInvalidQuantity,
			ErrorMessage: fmt.Sprintf("quantity must be > 0, got %s", intent.Quantity),
		}
	}

	price, err := executionPrice(snapshot, intent)
	if err != nil {
		return types.SimulationResult{
			Status:       types.SimPriceUnavailable,
			ErrorMessage: err.Error(),
		}
	}

	gross := intent.Quantity.Mul(price).Round(2)

	fee := commission(intent.Quantity, gross, cfg)
	slippage, slippageBps := slippageFor(intent.OrderType, gross, cfg)

	// BUY pays costs on top of gross; SELL has them deducted from proceeds.
	var net decimal.Decimal
	if intent.Side == types.BUY {
		net = gross.Add(fee).Add(slippage)
	} else {
		net = gross.Sub(fee).Sub(slippage)
	}

	cashBefore := portfolio.CashAvailable(intent.Instrument.Currency)
	var cashAfter decimal.Decimal
	if intent.Side == types.BUY {
		cashAfter = cashBefore.Sub(net)
	} else {
		cashAfter = cashBefore.Add(net)
	}

	exposureBefore := decimal.Zero
	if pos := portfolio.PositionFor(intent.Instrument.Symbol); pos != nil {
		exposureBefore = pos.MarketValue
	}
	var exposureAfter decimal.Decimal
	if intent.Side == types.BUY {
		exposureAfter = exposureBefore.Add(gross)
	} else {
		exposureAfter = exposureBefore.Sub(gross)
	}

	result := types.SimulationResult{
		Status:            types.SimSuccess,
		ExecutionPrice:    price,
		GrossNotional:     gross,
		EstimatedFee:      fee,
		EstimatedSlippage: slippage,
		SlippageBps:       slippageBps,
		NetNotional:       net,
		CashBefore:        cashBefore,
		CashAfter:         cashAfter,
		ExposureBefore:    exposureBefore,
		ExposureAfter:     exposureAfter,
	}

	if slippageBps.GreaterThan(intent.Constraints.MaxSlippageBps) {
		result.Status = types.SimConstraintViolated
		result.ErrorMessage = fmt.Sprintf("estimated slippage %s bps exceeds constraint %s bps",
			slippageBps, intent.Constraints.MaxSlippageBps)
		return result
	}
	if gross.GreaterThan(intent.Constraints.MaxNotional) {
		result.Status = types.SimConstraintViolated
		result.ErrorMessage = fmt.Sprintf("gross notional %s exceeds constraint %s",
			gross, intent.Constraints.MaxNotional)
		return result
	}

	if intent.Side == types.BUY && cashAfter.IsNegative() {
		result.Status = types.SimInsufficientCash
		result.ErrorMessage = fmt.Sprintf("order requires %s but only %s available", net, cashBefore)
		return result
	}

	if intent.OrderType == types.OrderTypeMKT {
		result.Warnings = append(result.Warnings,
			"market order: actual slippage is unbounded, estimate assumes normal conditions")
	}
	if slippageBps.GreaterThan(slippageWarnBps) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("estimated slippage %s bps is high", slippageBps))
	}
	if gross.GreaterThan(largeTradeWarnUSD) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("large trade: gross notional %s exceeds %s", gross, largeTradeWarnUSD))
	}

	return result
}

// executionPrice picks the modeled fill price:
//
//	MKT:         ask for BUY, bid for SELL
//	LMT/STP_LMT: the limit price (executability assumed)
//	STP:         current ask/bid (stop assumed triggered)
func executionPrice(snapshot *types.MarketSnapshot, intent types.OrderIntent) (decimal.Decimal, error) {
	switch intent.OrderType {
	case types.OrderTypeLMT, types.OrderTypeSTPLMT:
		if intent.LimitPrice == nil {
			return decimal.Zero, fmt.Errorf("limit price missing for %s order", intent.OrderType)
		}
		return *intent.LimitPrice, nil
	}

	if snapshot == nil {
		return decimal.Zero, fmt.Errorf("no market snapshot for %s", intent.Instrument.Symbol)
	}
	var price decimal.Decimal
	if intent.Side == types.BUY {
		price = snapshot.Ask
	} else {
		price = snapshot.Bid
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable %s price for %s", intent.Side, intent.Instrument.Symbol)
	}
	return price, nil
}

// commission applies the per-share rate with a floor and a cap:
// clamp(max(min_fee, qty × per_share), 0, gross × max_fee_fraction).
func commission(qty, gross decimal.Decimal, cfg Config) decimal.Decimal {
	fee := qty.Mul(cfg.PerShareRate)
	if fee.LessThan(cfg.MinFee) {
		fee = cfg.MinFee
	}
	cap := gross.Mul(cfg.MaxFeeFraction)
	if fee.GreaterThan(cap) {
		fee = cap
	}
	return fee.Round(2)
}

// slippageFor models slippage in dollars and basis points. Limit-priced
// orders pay none; marketable orders pay the base rate plus a depth-scaled
// impact term.
func slippageFor(orderType types.OrderType, gross decimal.Decimal, cfg Config) (usd, bps decimal.Decimal) {
	switch orderType {
	case types.OrderTypeLMT, types.OrderTypeSTPLMT:
		return decimal.Zero, decimal.Zero
	}

	base := gross.Mul(cfg.BaseSlippageBps).Div(bpsDivisor)
	impact := gross.Div(cfg.LiquidityProxy).Mul(cfg.MarketImpactFactor)
	usd = base.Add(impact).Round(2)

	if gross.IsPositive() {
		bps = usd.Mul(bpsDivisor).DivRound(gross, 4)
	}
	return usd, bps
}
