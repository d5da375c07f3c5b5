package approval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tradegate/internal/audit"
	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// Service runs the approval workflow over the proposal store. All state
// changes are audited before they take effect; a failed audit write aborts
// the change.
type Service struct {
	store    *ProposalStore
	tokens   *TokenStore
	auditLog audit.Store
	logger   *slog.Logger

	killCheck func() bool // true = kill switch active, blocks auto-approval
	autoFn    func() AutoPolicy
	now       func() time.Time
}

// NewService wires the approval service. autoFn supplies the current
// auto-approval policy on each evaluation so hot reloads take effect
// without restarting.
func NewService(store *ProposalStore, tokens *TokenStore, auditLog audit.Store, logger *slog.Logger) *Service {
	policy := DefaultAutoPolicy()
	return &Service{
		store:    store,
		tokens:   tokens,
		auditLog: auditLog,
		logger:   logger.With("component", "approval"),
		autoFn:   func() AutoPolicy { return policy },
		now:      time.Now,
	}
}

// SetKillCheck installs the kill switch probe.
func (s *Service) SetKillCheck(fn func() bool) { s.killCheck = fn }

// SetAutoPolicyFunc installs the auto-approval policy source.
func (s *Service) SetAutoPolicyFunc(fn func() AutoPolicy) { s.autoFn = fn }

// Store exposes the proposal store for pipeline stages that create and
// advance proposals directly.
func (s *Service) Store() *ProposalStore { return s.store }

// Tokens exposes the token store for the submitter.
func (s *Service) Tokens() *TokenStore { return s.tokens }

// Get returns a proposal by id.
func (s *Service) Get(id string) (types.OrderProposal, error) {
	return s.store.Get(id)
}

// ListPending returns proposals waiting for a human decision, newest
// first. limit <= 0 returns all of them.
func (s *Service) ListPending(limit int) []types.OrderProposal {
	pending := s.store.List(types.StateApprovalRequested)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending
}

// RequestApproval moves a risk-approved proposal into the pending queue.
func (s *Service) RequestApproval(ctx context.Context, proposalID string) (types.OrderProposal, error) {
	p, err := s.store.Get(proposalID)
	if err != nil {
		return types.OrderProposal{}, err
	}
	next, err := p.WithState(types.StateApprovalRequested, s.now().UTC())
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindState, errs.ReasonInvalidTransition, err)
	}

	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventApprovalRequested, p.CorrelationID, map[string]any{
		"proposal_id": p.ProposalID,
		"symbol":      p.Intent.Instrument.Symbol,
		"side":        p.Intent.Side,
		"quantity":    p.Intent.Quantity.String(),
	})); err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	if err := s.store.Update(next, p.State); err != nil {
		return types.OrderProposal{}, err
	}

	s.logger.Info("approval requested", "proposal_id", p.ProposalID, "symbol", p.Intent.Instrument.Symbol)
	return next, nil
}

// Grant approves a pending proposal and mints its single-use token.
func (s *Service) Grant(ctx context.Context, proposalID, actor, reason string) (types.OrderProposal, types.ApprovalToken, error) {
	if strings.TrimSpace(actor) == "" {
		return types.OrderProposal{}, types.ApprovalToken{}, errs.New(errs.KindValidation,
			errs.ReasonValidationFailed, "grant requires an actor")
	}

	p, err := s.store.Get(proposalID)
	if err != nil {
		return types.OrderProposal{}, types.ApprovalToken{}, err
	}
	next, err := p.WithState(types.StateApprovalGranted, s.now().UTC())
	if err != nil {
		return types.OrderProposal{}, types.ApprovalToken{}, errs.Wrap(errs.KindState, errs.ReasonInvalidTransition, err)
	}

	token := s.tokens.Issue(p.ProposalID, p.IntentHash)
	next.GrantedTokenID = token.TokenID
	next.ApprovalActor = actor
	next.ApprovalReason = reason

	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventApprovalGranted, p.CorrelationID, map[string]any{
		"proposal_id": p.ProposalID,
		"actor":       actor,
		"reason":      reason,
		"expires_at":  token.ExpiresAt.Format(time.RFC3339),
	})); err != nil {
		return types.OrderProposal{}, types.ApprovalToken{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	if err := s.store.Update(next, p.State); err != nil {
		// Lost the commit race: the token minted above must not stay live.
		s.tokens.Revoke(token.TokenID)
		return types.OrderProposal{}, types.ApprovalToken{}, err
	}

	s.logger.Info("approval granted",
		"proposal_id", p.ProposalID, "actor", actor, "token_expires", token.ExpiresAt)
	return next, token, nil
}

// Deny rejects a pending proposal. A reason is mandatory: denials are the
// record of why an order did not happen.
func (s *Service) Deny(ctx context.Context, proposalID, actor, reason string) (types.OrderProposal, error) {
	if strings.TrimSpace(actor) == "" {
		return types.OrderProposal{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"deny requires an actor")
	}
	if strings.TrimSpace(reason) == "" {
		return types.OrderProposal{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"deny requires a reason")
	}

	p, err := s.store.Get(proposalID)
	if err != nil {
		return types.OrderProposal{}, err
	}
	next, err := p.WithState(types.StateApprovalDenied, s.now().UTC())
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindState, errs.ReasonInvalidTransition, err)
	}
	next.ApprovalActor = actor
	next.ApprovalReason = reason

	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventApprovalDenied, p.CorrelationID, map[string]any{
		"proposal_id": p.ProposalID,
		"actor":       actor,
		"reason":      reason,
	})); err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	if err := s.store.Update(next, p.State); err != nil {
		return types.OrderProposal{}, err
	}

	s.logger.Info("approval denied", "proposal_id", p.ProposalID, "actor", actor, "reason", reason)
	return next, nil
}

// TryAutoApprove evaluates the auto-approval policy against a
// risk-approved proposal. On a match it grants directly (RISK_APPROVED →
// APPROVAL_GRANTED) and mints the token; otherwise it reports why not and
// leaves the proposal untouched. The kill switch always blocks
// auto-approval, even for allowlisted symbols.
func (s *Service) TryAutoApprove(ctx context.Context, proposalID string, portfolio types.Portfolio) (types.OrderProposal, *types.ApprovalToken, string, error) {
	p, err := s.store.Get(proposalID)
	if err != nil {
		return types.OrderProposal{}, nil, "", err
	}
	if p.State != types.StateRiskApproved {
		return types.OrderProposal{}, nil, "", errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"auto-approval requires RISK_APPROVED, proposal %s is %s", proposalID, p.State)
	}

	if s.killCheck != nil && s.killCheck() {
		return p, nil, "kill switch active", nil
	}

	ok, reason := s.autoFn().Evaluate(p, portfolio, s.now().UTC())
	if !ok {
		s.logger.Debug("auto-approval declined", "proposal_id", p.ProposalID, "reason", reason)
		return p, nil, reason, nil
	}

	next, err := p.WithState(types.StateApprovalGranted, s.now().UTC())
	if err != nil {
		return types.OrderProposal{}, nil, "", errs.Wrap(errs.KindState, errs.ReasonInvalidTransition, err)
	}
	token := s.tokens.Issue(p.ProposalID, p.IntentHash)
	next.GrantedTokenID = token.TokenID
	next.ApprovalActor = "auto-approval"
	next.ApprovalReason = reason

	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventAutoApprovalGranted, p.CorrelationID, map[string]any{
		"proposal_id": p.ProposalID,
		"actor":       "auto-approval",
		"reason":      reason,
	})); err != nil {
		return types.OrderProposal{}, nil, "", errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	if err := s.store.Update(next, p.State); err != nil {
		s.tokens.Revoke(token.TokenID)
		return types.OrderProposal{}, nil, "", err
	}

	s.logger.Info("auto-approval granted", "proposal_id", p.ProposalID, "reason", reason)
	return next, &token, reason, nil
}
