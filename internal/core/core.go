// Package core wires the safety pipeline together and exposes the
// operations the API and tool gateway call. A proposal flows strictly
// through simulate → risk → approval → submit; no caller can reach the
// broker's write surface without passing every stage.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/approval"
	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/cancel"
	"tradegate/internal/errs"
	"tradegate/internal/killswitch"
	"tradegate/internal/risk"
	"tradegate/internal/sim"
	"tradegate/internal/submit"
	"tradegate/pkg/types"
)

// Options configure the core.
type Options struct {
	AccountID string
	SimConfig sim.Config
}

// Core is the composition root for the trading pipeline.
type Core struct {
	opts Options

	AuditLog  audit.Store
	Kill      *killswitch.Switch
	Broker    broker.Adapter
	Risk      *risk.Engine
	Approvals *approval.Service
	Submitter *submit.Submitter
	Cancels   *cancel.Manager

	counters *dayCounters
	logger   *slog.Logger
	now      func() time.Time
}

// New wires the pipeline. The kill switch is threaded into every stage
// that can create exposure: risk evaluation, auto-approval, and
// submission. The drawdown halt closes the loop by activating it.
func New(opts Options, adapter broker.Adapter, ks *killswitch.Switch, riskEngine *risk.Engine,
	approvals *approval.Service, auditLog audit.Store, logger *slog.Logger) *Core {

	c := &Core{
		opts:      opts,
		AuditLog:  auditLog,
		Kill:      ks,
		Broker:    adapter,
		Risk:      riskEngine,
		Approvals: approvals,
		counters:  newDayCounters(),
		logger:    logger.With("component", "core"),
		now:       time.Now,
	}

	riskEngine.SetKillCheck(ks.IsEnabled)
	riskEngine.SetHaltFunc(func(reason string) {
		if err := ks.Activate(context.Background(), reason, "risk-engine"); err != nil {
			c.logger.Error("drawdown halt failed to activate kill switch", "error", err)
		}
	})
	approvals.SetKillCheck(ks.IsEnabled)

	c.Submitter = submit.New(approvals.Store(), approvals.Tokens(), adapter, auditLog, logger)
	c.Submitter.SetKillCheck(ks.CheckOrFail)
	c.Cancels = cancel.NewManager(approvals.Store(), adapter, auditLog, logger)
	c.Cancels.SetKillCheck(ks.CheckOrFail)

	return c
}

// ProposeOrder runs an intent through validation, simulation, risk, and
// the approval gate. A risk rejection is a normal outcome, not an error:
// the returned proposal lands in RISK_REJECTED. Errors mean the pipeline
// itself could not run.
func (c *Core) ProposeOrder(ctx context.Context, correlationID string, intent types.OrderIntent) (types.OrderProposal, error) {
	intent.Normalize()
	if err := intent.Validate(); err != nil {
		if auditErr := c.AuditLog.Append(ctx, audit.NewEvent(audit.EventValidationFailed, correlationID, map[string]any{
			"error": err.Error(),
		})); auditErr != nil {
			c.logger.Error("audit write failed", "error", auditErr)
		}
		return types.OrderProposal{}, errs.Wrap(errs.KindValidation, errs.ReasonValidationFailed, err)
	}

	canonical, err := intent.CanonicalJSON()
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonValidationFailed, err)
	}
	hash, err := intent.Hash()
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonValidationFailed, err)
	}

	now := c.now().UTC()
	p := types.OrderProposal{
		ProposalID:    uuid.NewString(),
		CorrelationID: correlationID,
		Intent:        intent,
		IntentJSON:    string(canonical),
		IntentHash:    hash,
		State:         types.StateProposed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}
	if err := c.Approvals.Store().Put(p); err != nil {
		return types.OrderProposal{}, err
	}
	if err := c.AuditLog.Append(ctx, audit.NewEvent(audit.EventOrderProposed, p.CorrelationID, map[string]any{
		"proposal_id": p.ProposalID,
		"symbol":      intent.Instrument.Symbol,
		"side":        intent.Side,
		"order_type":  intent.OrderType,
		"quantity":    intent.Quantity.String(),
		"reason":      intent.Reason,
	})); err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	return c.advance(ctx, p)
}

// advance runs simulation, risk, and the approval gate on a PROPOSED
// proposal. Modify replacements re-enter here too.
func (c *Core) advance(ctx context.Context, p types.OrderProposal) (types.OrderProposal, error) {
	portfolio, err := c.Broker.GetPortfolio(ctx, c.opts.AccountID)
	if err != nil {
		return p, errs.Wrap(errs.KindResource, errs.ReasonBrokerUnavailable, err)
	}
	c.counters.observe(portfolio)

	// Pre-trade pricing must be fresh: bypass the market data cache.
	var snapPtr *types.MarketSnapshot
	snap, err := c.Broker.GetMarketSnapshot(broker.WithBypass(ctx), p.Intent.Instrument)
	if err != nil {
		c.logger.Warn("snapshot unavailable, simulation will fail closed",
			"symbol", p.Intent.Instrument.Symbol, "error", err)
	} else {
		snapPtr = &snap
	}

	simResult := sim.Simulate(portfolio, snapPtr, p.Intent, c.opts.SimConfig)
	simulated, err := p.WithState(types.StateSimulated, c.now().UTC())
	if err != nil {
		return p, errs.Wrap(errs.KindInternal, errs.ReasonInvalidTransition, err)
	}
	simulated.Simulation = &simResult
	if err := c.AuditLog.Append(ctx, audit.NewEvent(audit.EventOrderSimulated, p.CorrelationID, map[string]any{
		"proposal_id": p.ProposalID,
		"status":      simResult.Status,
		"net":         simResult.NetNotional.String(),
		"cash_after":  simResult.CashAfter.String(),
	})); err != nil {
		return p, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	if err := c.Approvals.Store().Update(simulated, p.State); err != nil {
		return p, err
	}

	decision := c.Risk.Evaluate(p.Intent, portfolio, simResult, c.now().UTC(), c.counters.riskContext())
	if err := c.AuditLog.Append(ctx, audit.NewEvent(audit.EventRiskGateEvaluated, p.CorrelationID, map[string]any{
		"proposal_id":    p.ProposalID,
		"decision":       decision.Decision,
		"reason":         decision.Reason,
		"violated_rules": decision.ViolatedRules,
		"warnings":       decision.Warnings,
	})); err != nil {
		return simulated, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	if decision.Decision == types.DecisionReject {
		rejected, err := simulated.WithState(types.StateRiskRejected, c.now().UTC())
		if err != nil {
			return simulated, errs.Wrap(errs.KindInternal, errs.ReasonInvalidTransition, err)
		}
		rejected.RiskDecision = &decision
		if err := c.Approvals.Store().Update(rejected, simulated.State); err != nil {
			return simulated, err
		}
		c.logger.Info("proposal rejected by risk gate",
			"proposal_id", p.ProposalID, "reason", decision.Reason)
		return rejected, nil
	}

	approved, err := simulated.WithState(types.StateRiskApproved, c.now().UTC())
	if err != nil {
		return simulated, errs.Wrap(errs.KindInternal, errs.ReasonInvalidTransition, err)
	}
	approved.RiskDecision = &decision
	if err := c.Approvals.Store().Update(approved, simulated.State); err != nil {
		return simulated, err
	}

	// MANUAL_REVIEW always goes to a human. APPROVE tries the
	// auto-approval policy first and queues for a human when it declines.
	if decision.Decision == types.DecisionApprove {
		granted, token, _, err := c.Approvals.TryAutoApprove(ctx, p.ProposalID, portfolio)
		if err != nil {
			return approved, err
		}
		if token != nil {
			return granted, nil
		}
	}
	return c.Approvals.RequestApproval(ctx, p.ProposalID)
}

// SimulateIntent prices an intent against a fresh quote without creating
// a proposal. Nothing is stored; a missing quote fails closed inside the
// simulator.
func (c *Core) SimulateIntent(ctx context.Context, intent types.OrderIntent) (types.SimulationResult, error) {
	sim, _, err := c.dryRun(ctx, intent, false)
	return sim, err
}

// EvaluateIntent runs simulation and the risk gate as a dry run. The
// decision is advisory: no proposal exists and no state changes.
func (c *Core) EvaluateIntent(ctx context.Context, intent types.OrderIntent) (types.SimulationResult, types.RiskDecision, error) {
	return c.dryRun(ctx, intent, true)
}

func (c *Core) dryRun(ctx context.Context, intent types.OrderIntent, evaluate bool) (types.SimulationResult, types.RiskDecision, error) {
	intent.Normalize()
	if err := intent.Validate(); err != nil {
		return types.SimulationResult{}, types.RiskDecision{}, errs.Wrap(errs.KindValidation, errs.ReasonValidationFailed, err)
	}
	portfolio, err := c.Broker.GetPortfolio(ctx, c.opts.AccountID)
	if err != nil {
		return types.SimulationResult{}, types.RiskDecision{}, errs.Wrap(errs.KindResource, errs.ReasonBrokerUnavailable, err)
	}
	c.counters.observe(portfolio)

	var snapPtr *types.MarketSnapshot
	if snap, err := c.Broker.GetMarketSnapshot(broker.WithBypass(ctx), intent.Instrument); err == nil {
		snapPtr = &snap
	}
	result := sim.Simulate(portfolio, snapPtr, intent, c.opts.SimConfig)

	var decision types.RiskDecision
	if evaluate {
		decision = c.Risk.Evaluate(intent, portfolio, result, c.now().UTC(), c.counters.riskContext())
	}
	return result, decision, nil
}

// SubmitProposal consumes the granted token and executes the order.
func (c *Core) SubmitProposal(ctx context.Context, proposalID, tokenID string) (types.OrderProposal, error) {
	final, err := c.Submitter.Submit(ctx, proposalID, tokenID)
	if err != nil {
		return final, err
	}
	if final.State == types.StateFilled {
		c.counters.recordTrade()
	}
	return final, nil
}

// ReProposeModified re-runs the pipeline for a modify replacement that is
// sitting in PROPOSED.
func (c *Core) ReProposeModified(ctx context.Context, proposalID string) (types.OrderProposal, error) {
	p, err := c.Approvals.Store().Get(proposalID)
	if err != nil {
		return types.OrderProposal{}, err
	}
	if p.State != types.StateProposed {
		return types.OrderProposal{}, errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"proposal %s is %s, expected PROPOSED", proposalID, p.State)
	}
	return c.advance(ctx, p)
}

// Portfolio returns the account snapshot and records the read.
func (c *Core) Portfolio(ctx context.Context, correlationID string) (types.Portfolio, error) {
	p, err := c.Broker.GetPortfolio(ctx, c.opts.AccountID)
	if err != nil {
		return types.Portfolio{}, err
	}
	c.counters.observe(p)
	if err := c.AuditLog.Append(ctx, audit.NewEvent(audit.EventPortfolioSnapshotTaken, correlationID, map[string]any{
		"total_value": p.TotalValue.String(),
		"positions":   len(p.Positions),
	})); err != nil {
		return types.Portfolio{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	return p, nil
}

// AccountID returns the configured trading account.
func (c *Core) AccountID() string { return c.opts.AccountID }
