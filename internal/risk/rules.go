package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

var (
	hundred     = decimal.NewFromInt(100)
	warnPortion = decimal.RequireFromString("0.8") // warnings fire at 80% of a limit
)

// pass returns a clean result for a rule, optionally carrying an
// 80%-of-limit warning.
func pass(id types.RuleID, warn string) ruleResult {
	return ruleResult{id: id, warn: warn}
}

func fail(id types.RuleID, format string, args ...any) ruleResult {
	return ruleResult{id: id, violated: true, desc: fmt.Sprintf("%s: ", id) + fmt.Sprintf(format, args...)}
}

// nearLimit formats a warning when value has crossed 80% of limit.
func nearLimit(id types.RuleID, value, limit decimal.Decimal, unit string) string {
	if limit.IsPositive() && value.GreaterThanOrEqual(limit.Mul(warnPortion)) {
		return fmt.Sprintf("%s: %s %s is within 80%% of limit %s", id, value, unit, limit)
	}
	return ""
}

// R1: gross notional per trade.
func checkMaxNotional(p Policy, _ types.OrderIntent, _ types.Portfolio, sim types.SimulationResult, _ time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RuleMaxNotional]
	if !rc.Enabled {
		return pass(types.RuleMaxNotional, "")
	}
	if sim.GrossNotional.GreaterThan(rc.Limit) {
		return fail(types.RuleMaxNotional, "gross notional %s exceeds max_notional_per_trade %s",
			sim.GrossNotional, rc.Limit)
	}
	return pass(types.RuleMaxNotional, nearLimit(types.RuleMaxNotional, sim.GrossNotional, rc.Limit, "USD"))
}

// R2: post-trade position weight as a percentage of portfolio value.
func checkPositionWeight(p Policy, _ types.OrderIntent, portfolio types.Portfolio, sim types.SimulationResult, _ time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RulePositionWeight]
	if !rc.Enabled || !portfolio.TotalValue.IsPositive() {
		return pass(types.RulePositionWeight, "")
	}
	pct := sim.ExposureAfter.Div(portfolio.TotalValue).Mul(hundred)
	if pct.GreaterThan(rc.Limit) {
		return fail(types.RulePositionWeight, "post-trade position weight %s%% exceeds max_position_weight %s%%",
			pct.Round(4), rc.Limit)
	}
	return pass(types.RulePositionWeight, nearLimit(types.RulePositionWeight, pct.Round(4), rc.Limit, "%"))
}

// R3: post-trade sector weight. No-op when the policy carries no sector map
// or the symbol is unmapped.
func checkSectorWeight(p Policy, intent types.OrderIntent, portfolio types.Portfolio, sim types.SimulationResult, _ time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RuleSectorWeight]
	if !rc.Enabled || len(p.Sectors) == 0 || !portfolio.TotalValue.IsPositive() {
		return pass(types.RuleSectorWeight, "")
	}
	sector, ok := p.Sectors[intent.Instrument.Symbol]
	if !ok {
		return pass(types.RuleSectorWeight, "")
	}

	exposure := decimal.Zero
	for _, pos := range portfolio.Positions {
		if s, ok := p.Sectors[pos.Instrument.Symbol]; ok && s == sector && pos.Instrument.Symbol != intent.Instrument.Symbol {
			exposure = exposure.Add(pos.MarketValue)
		}
	}
	exposure = exposure.Add(sim.ExposureAfter)

	pct := exposure.Div(portfolio.TotalValue).Mul(hundred)
	if pct.GreaterThan(rc.Limit) {
		return fail(types.RuleSectorWeight, "post-trade %s sector weight %s%% exceeds max_sector_weight %s%%",
			sector, pct.Round(4), rc.Limit)
	}
	return pass(types.RuleSectorWeight, nearLimit(types.RuleSectorWeight, pct.Round(4), rc.Limit, "%"))
}

// R4: estimated slippage in basis points.
func checkSlippage(p Policy, _ types.OrderIntent, _ types.Portfolio, sim types.SimulationResult, _ time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RuleSlippage]
	if !rc.Enabled {
		return pass(types.RuleSlippage, "")
	}
	if sim.SlippageBps.GreaterThan(rc.Limit) {
		return fail(types.RuleSlippage, "estimated slippage %s bps exceeds max_slippage_bps %s",
			sim.SlippageBps, rc.Limit)
	}
	return pass(types.RuleSlippage, nearLimit(types.RuleSlippage, sim.SlippageBps, rc.Limit, "bps"))
}

// R5: the trade must fall inside the configured session unless the
// pre-market/after-hours flags allow otherwise. Evaluated against now, not
// against snapshot age.
func checkTradingWindow(p Policy, _ types.OrderIntent, _ types.Portfolio, _ types.SimulationResult, now time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RuleTradingWindow]
	if !rc.Enabled {
		return pass(types.RuleTradingWindow, "")
	}
	open, close, err := p.Hours.window(now)
	if err != nil {
		return fail(types.RuleTradingWindow, "session window unresolvable: %v", err)
	}
	switch {
	case now.Before(open):
		if p.Hours.AllowPreMarket {
			return pass(types.RuleTradingWindow, "")
		}
		return fail(types.RuleTradingWindow, "now %s is before session open %s and pre-market trading is disabled",
			now.UTC().Format("15:04"), open.UTC().Format("15:04"))
	case !now.Before(close):
		if p.Hours.AllowAfterHours {
			return pass(types.RuleTradingWindow, "")
		}
		return fail(types.RuleTradingWindow, "now %s is after session close %s and after-hours trading is disabled",
			now.UTC().Format("15:04"), close.UTC().Format("15:04"))
	}
	return pass(types.RuleTradingWindow, "")
}

// R6: instrument liquidity proxy. No-op without liquidity data.
func checkLiquidity(p Policy, intent types.OrderIntent, _ types.Portfolio, _ types.SimulationResult, _ time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RuleLiquidity]
	if !rc.Enabled || len(p.Liquidity) == 0 {
		return pass(types.RuleLiquidity, "")
	}
	liq, ok := p.Liquidity[intent.Instrument.Symbol]
	if !ok {
		return pass(types.RuleLiquidity, "")
	}
	if liq.LessThan(rc.Limit) {
		return fail(types.RuleLiquidity, "liquidity proxy %s for %s is below min_liquidity %s",
			liq, intent.Instrument.Symbol, rc.Limit)
	}
	return pass(types.RuleLiquidity, "")
}

// R7: trades executed today must stay under the daily cap.
func checkDailyTrades(p Policy, _ types.OrderIntent, _ types.Portfolio, _ types.SimulationResult, _ time.Time, ctx Context) ruleResult {
	rc := p.Rules[types.RuleDailyTrades]
	if !rc.Enabled {
		return pass(types.RuleDailyTrades, "")
	}
	count := decimal.NewFromInt(int64(ctx.DailyTrades))
	if !count.LessThan(rc.Limit) {
		return fail(types.RuleDailyTrades, "daily trade count %d has reached max_daily_trades %s",
			ctx.DailyTrades, rc.Limit)
	}
	return pass(types.RuleDailyTrades, nearLimit(types.RuleDailyTrades, count, rc.Limit, "trades"))
}

// R8: the daily-loss circuit breaker. Trading stops once today's PnL drops
// to -max_daily_loss or worse.
func checkDailyLoss(p Policy, _ types.OrderIntent, _ types.Portfolio, _ types.SimulationResult, _ time.Time, ctx Context) ruleResult {
	rc := p.Rules[types.RuleDailyLoss]
	if !rc.Enabled {
		return pass(types.RuleDailyLoss, "")
	}
	if !ctx.DailyPnL.GreaterThan(rc.Limit.Neg()) {
		return fail(types.RuleDailyLoss, "daily PnL %s breaches max_daily_loss %s",
			ctx.DailyPnL, rc.Limit)
	}
	if ctx.DailyPnL.IsNegative() {
		if w := nearLimit(types.RuleDailyLoss, ctx.DailyPnL.Neg(), rc.Limit, "USD loss"); w != "" {
			return pass(types.RuleDailyLoss, w)
		}
	}
	return pass(types.RuleDailyLoss, "")
}

// R9: volatility-scaled sizing. Exposure-at-risk = gross × annualized vol;
// it must not exceed limit% of portfolio value. Skipped without vol data.
func checkVolatilitySizing(p Policy, intent types.OrderIntent, portfolio types.Portfolio, sim types.SimulationResult, _ time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RuleVolatilitySizing]
	if !rc.Enabled || len(p.Volatility) == 0 || !portfolio.TotalValue.IsPositive() {
		return pass(types.RuleVolatilitySizing, "")
	}
	vol, ok := p.Volatility[intent.Instrument.Symbol]
	if !ok {
		return pass(types.RuleVolatilitySizing, "")
	}
	atRisk := sim.GrossNotional.Mul(vol)
	budget := portfolio.TotalValue.Mul(rc.Limit).Div(hundred)
	if atRisk.GreaterThan(budget) {
		return fail(types.RuleVolatilitySizing,
			"volatility exposure %s (gross %s × vol %s) exceeds %s%% of portfolio (%s)",
			atRisk.Round(2), sim.GrossNotional, vol, rc.Limit, budget.Round(2))
	}
	return pass(types.RuleVolatilitySizing, "")
}

// R10: correlation-based concentration. Placeholder: passes unless the
// policy both enables it and supplies correlation data, which the current
// policy schema does not carry.
func checkCorrelation(p Policy, _ types.OrderIntent, _ types.Portfolio, _ types.SimulationResult, _ time.Time, _ Context) ruleResult {
	return pass(types.RuleCorrelation, "")
}

// R11: drawdown from the portfolio high-water mark. A violation also
// raises a halt request.
func checkDrawdown(p Policy, _ types.OrderIntent, portfolio types.Portfolio, _ types.SimulationResult, _ time.Time, ctx Context) ruleResult {
	rc := p.Rules[types.RuleDrawdown]
	if !rc.Enabled || !ctx.PortfolioHigh.IsPositive() || !portfolio.TotalValue.IsPositive() {
		return pass(types.RuleDrawdown, "")
	}
	dd := ctx.PortfolioHigh.Sub(portfolio.TotalValue).Div(ctx.PortfolioHigh).Mul(hundred)
	if dd.IsNegative() {
		dd = decimal.Zero
	}
	if dd.GreaterThan(rc.Limit) {
		r := fail(types.RuleDrawdown, "drawdown %s%% from high-water mark exceeds max_drawdown_pct %s%%",
			dd.Round(4), rc.Limit)
		r.haltAfter = true
		return r
	}
	return pass(types.RuleDrawdown, nearLimit(types.RuleDrawdown, dd.Round(4), rc.Limit, "%"))
}

// R12: avoid the first and last EdgeMinutes of the session, where spreads
// are widest.
func checkSessionEdge(p Policy, _ types.OrderIntent, _ types.Portfolio, _ types.SimulationResult, now time.Time, _ Context) ruleResult {
	rc := p.Rules[types.RuleSessionEdge]
	if !rc.Enabled {
		return pass(types.RuleSessionEdge, "")
	}
	open, close, err := p.Hours.window(now)
	if err != nil {
		return fail(types.RuleSessionEdge, "session window unresolvable: %v", err)
	}
	// Outside the session entirely is R5's concern.
	if now.Before(open) || !now.Before(close) {
		return pass(types.RuleSessionEdge, "")
	}
	edge := time.Duration(p.Hours.EdgeMinutes) * time.Minute
	if now.Before(open.Add(edge)) {
		return fail(types.RuleSessionEdge, "now is within the first %d minutes of the session", p.Hours.EdgeMinutes)
	}
	if !now.Before(close.Add(-edge)) {
		return fail(types.RuleSessionEdge, "now is within the last %d minutes of the session", p.Hours.EdgeMinutes)
	}
	return pass(types.RuleSessionEdge, "")
}
