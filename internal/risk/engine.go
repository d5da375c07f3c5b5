// Package risk implements the deterministic twelve-rule policy gate.
//
// Every order intent that survived simulation passes through Evaluate,
// which checks rules R1–R12 against the portfolio, the simulation result,
// and the wall clock. The default decision is REJECT: APPROVE is returned
// only when every enabled blocker passes. MAJOR-severity violations route
// to MANUAL_REVIEW instead of rejecting outright; MINOR ones only warn.
//
// Rule limits come from a YAML policy file and can be hot-reloaded while
// the engine is serving: Watch swaps the policy atomically under the
// engine lock, and a policy that fails to parse leaves the previous one in
// force.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// Context carries account-level telemetry the rules need beyond the intent
// itself. Zero values disable the corresponding checks' data-dependent
// parts (absent data means a rule passes, per policy).
type Context struct {
	DailyTrades   int             // executed trades so far today (R7)
	DailyPnL      decimal.Decimal // realized+unrealized PnL today (R8)
	PortfolioHigh decimal.Decimal // high-water mark of total value (R11)
}

// Engine evaluates intents against the active policy. Safe for concurrent
// use; Evaluate takes a read lock, policy swaps take the write lock.
type Engine struct {
	mu     sync.RWMutex
	policy Policy

	haltFn    func(reason string) // invoked when R11 demands a halt
	killCheck func() bool         // reports whether the kill switch is on
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// New creates an engine with the given policy.
func New(policy Policy, logger *slog.Logger) *Engine {
	return &Engine{
		policy: policy,
		logger: logger.With("component", "risk-engine"),
	}
}

// SetHaltFunc registers the callback fired when the drawdown rule (R11)
// blocks a trade. The core wires this to kill-switch activation.
func (e *Engine) SetHaltFunc(fn func(reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltFn = fn
}

// SetKillCheck registers the kill-switch probe. While it reports true,
// every evaluation rejects with the synthetic rule id KS.
func (e *Engine) SetKillCheck(fn func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killCheck = fn
}

// Policy returns a copy of the active policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy swaps the active policy.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	e.logger.Info("risk policy updated")
}

// Watch hot-reloads the policy whenever the file at path changes. A reload
// that fails to parse is logged and ignored; the running policy stays in
// force. Call Close to stop watching.
func (e *Engine) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch risk policy: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("watch risk policy %s: %w", path, err)
	}
	e.watcher = w
	e.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p, err := LoadPolicy(path)
				if err != nil {
					e.logger.Error("risk policy reload failed, keeping previous policy",
						"path", path, "error", err)
					continue
				}
				e.SetPolicy(p)
				e.logger.Info("risk policy reloaded", "path", path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.logger.Error("risk policy watcher error", "error", err)
			case <-e.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the policy watcher if one is running.
func (e *Engine) Close() error {
	if e.watcher == nil {
		return nil
	}
	close(e.done)
	return e.watcher.Close()
}

// ruleResult is the outcome of one rule check.
type ruleResult struct {
	id        types.RuleID
	violated  bool
	desc      string // human-readable violation description
	warn      string // non-blocking warning (80% of limit)
	haltAfter bool   // R11: request a system halt on violation
}

// Evaluate renders a decision for one intent. Deterministic: the same
// inputs always produce the same decision.
func (e *Engine) Evaluate(intent types.OrderIntent, portfolio types.Portfolio, sim types.SimulationResult, now time.Time, ctx Context) types.RiskDecision {
	e.mu.RLock()
	policy := e.policy
	haltFn := e.haltFn
	killCheck := e.killCheck
	e.mu.RUnlock()

	decision := types.RiskDecision{
		Decision:    types.DecisionReject,
		Metrics:     map[string]string{},
		EvaluatedAt: now,
	}

	if killCheck != nil && killCheck() {
		decision.ViolatedRules = []types.RuleID{types.RuleKillSwitch}
		decision.Reason = "kill switch is active"
		return decision
	}

	if !sim.OK() {
		decision.Reason = fmt.Sprintf("simulation failed: %s", sim.Status)
		if sim.ErrorMessage != "" {
			decision.Reason += " (" + sim.ErrorMessage + ")"
		}
		return decision
	}

	checks := []func(Policy, types.OrderIntent, types.Portfolio, types.SimulationResult, time.Time, Context) ruleResult{
		checkMaxNotional,
		checkPositionWeight,
		checkSectorWeight,
		checkSlippage,
		checkTradingWindow,
		checkLiquidity,
		checkDailyTrades,
		checkDailyLoss,
		checkVolatilitySizing,
		checkCorrelation,
		checkDrawdown,
		checkSessionEdge,
	}

	var (
		blockers []ruleResult
		majors   []ruleResult
	)
	for _, check := range checks {
		r := check(policy, intent, portfolio, sim, now, ctx)
		if r.warn != "" {
			decision.Warnings = append(decision.Warnings, r.warn)
		}
		if !r.violated {
			continue
		}
		decision.ViolatedRules = append(decision.ViolatedRules, r.id)
		switch policy.Rules[r.id].Severity {
		case types.SeverityMinor:
			decision.Warnings = append(decision.Warnings, r.desc)
		case types.SeverityMajor:
			majors = append(majors, r)
		default:
			blockers = append(blockers, r)
		}
		if r.haltAfter && haltFn != nil {
			haltFn(r.desc)
		}
	}

	fillMetrics(decision.Metrics, portfolio, sim, ctx)

	switch {
	case len(blockers) > 0:
		decision.Decision = types.DecisionReject
		decision.Reason = blockers[0].desc
	case len(majors) > 0:
		decision.Decision = types.DecisionManualReview
		decision.Reason = majors[0].desc
	default:
		// MINOR violations do not block, but their rule ids stay on the
		// decision so the audit trail shows what fired.
		decision.Decision = types.DecisionApprove
		decision.Reason = "all blocking rules passed"
	}
	return decision
}

func fillMetrics(m map[string]string, portfolio types.Portfolio, sim types.SimulationResult, ctx Context) {
	m["gross_notional"] = sim.GrossNotional.String()
	m["slippage_bps"] = sim.SlippageBps.String()
	if portfolio.TotalValue.IsPositive() {
		m["position_pct"] = sim.ExposureAfter.Div(portfolio.TotalValue).Mul(decimal.NewFromInt(100)).Round(4).String()
	}
	m["daily_trades"] = fmt.Sprintf("%d", ctx.DailyTrades)
	m["daily_pnl"] = ctx.DailyPnL.String()
	if ctx.PortfolioHigh.IsPositive() && portfolio.TotalValue.IsPositive() {
		dd := ctx.PortfolioHigh.Sub(portfolio.TotalValue).Div(ctx.PortfolioHigh).Mul(decimal.NewFromInt(100))
		if dd.IsNegative() {
			dd = decimal.Zero
		}
		m["drawdown_pct"] = dd.Round(4).String()
	}
}
