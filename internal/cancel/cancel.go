// Package cancel implements the two-step cancel and modify flows for
// working orders.
//
// Nothing here touches the broker on the first step: a request only
// records the intent to cancel or modify and waits for confirmation. The
// confirm step executes against the broker and advances the proposal.
// A modify is a cancel plus a replacement proposal — the replacement
// starts over at PROPOSED and must pass simulation, risk, and approval
// again before it can trade.
package cancel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/approval"
	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// PendingTTL is how long a request waits for confirmation before it goes
// stale.
const PendingTTL = 5 * time.Minute

// Kind distinguishes cancel from modify requests.
type Kind string

const (
	KindCancel Kind = "CANCEL"
	KindModify Kind = "MODIFY"
)

// State is the request's position in the two-step flow.
type State string

const (
	StatePending  State = "PENDING"
	StateExecuted State = "EXECUTED"
	StateDenied   State = "DENIED"
	StateExpired  State = "EXPIRED"
)

// Request is one pending or decided cancel/modify request.
type Request struct {
	RequestID     string             `json:"request_id"`
	Kind          Kind               `json:"kind"`
	ProposalID    string             `json:"proposal_id"`
	BrokerOrderID string             `json:"broker_order_id"`
	CorrelationID string             `json:"correlation_id"`
	NewIntent     *types.OrderIntent `json:"new_intent,omitempty"` // modify only
	NewProposalID string             `json:"new_proposal_id,omitempty"`
	State         State              `json:"state"`
	Reason        string             `json:"reason"`
	Actor         string             `json:"actor,omitempty"`
	RequestedAt   time.Time          `json:"requested_at"`
	DecidedAt     *time.Time         `json:"decided_at,omitempty"`
}

// Manager owns the request table and executes confirmations.
type Manager struct {
	mu       sync.Mutex
	requests map[string]Request

	store     *approval.ProposalStore
	broker    broker.Adapter
	auditLog  audit.Store
	logger    *slog.Logger
	killCheck func(op string) error
	now       func() time.Time
}

// SetKillCheck installs the kill switch gate on execution. Recording a
// request stays allowed while halted; confirming one does not.
func (m *Manager) SetKillCheck(fn func(op string) error) { m.killCheck = fn }

// NewManager wires a cancel/modify manager.
func NewManager(store *approval.ProposalStore, adapter broker.Adapter, auditLog audit.Store, logger *slog.Logger) *Manager {
	return &Manager{
		requests: make(map[string]Request),
		store:    store,
		broker:   adapter,
		auditLog: auditLog,
		logger:   logger.With("component", "cancel"),
		now:      time.Now,
	}
}

// RequestCancel records the intent to cancel a working order. The proposal
// must be SUBMITTED with a broker order id.
func (m *Manager) RequestCancel(ctx context.Context, proposalID, reason string) (Request, error) {
	if strings.TrimSpace(reason) == "" {
		return Request{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"cancel request requires a reason")
	}
	p, err := m.workingProposal(proposalID)
	if err != nil {
		return Request{}, err
	}

	req := Request{
		RequestID:     uuid.NewString(),
		Kind:          KindCancel,
		ProposalID:    proposalID,
		BrokerOrderID: p.BrokerOrderID,
		CorrelationID: p.CorrelationID,
		State:         StatePending,
		Reason:        reason,
		RequestedAt:   m.now().UTC(),
	}

	if err := m.auditLog.Append(ctx, audit.NewEvent(audit.EventCancelRequested, p.CorrelationID, map[string]any{
		"request_id":      req.RequestID,
		"proposal_id":     proposalID,
		"broker_order_id": p.BrokerOrderID,
		"reason":          reason,
	})); err != nil {
		return Request{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	m.mu.Lock()
	m.requests[req.RequestID] = req
	m.mu.Unlock()

	m.logger.Info("cancel requested", "request_id", req.RequestID, "proposal_id", proposalID)
	return req, nil
}

// RequestModify records the intent to replace a working order with a new
// intent. The new intent is validated now so a broken replacement never
// reaches the confirm step.
func (m *Manager) RequestModify(ctx context.Context, proposalID string, newIntent types.OrderIntent, reason string) (Request, error) {
	if strings.TrimSpace(reason) == "" {
		return Request{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"modify request requires a reason")
	}
	newIntent.Normalize()
	if err := newIntent.Validate(); err != nil {
		return Request{}, errs.Wrap(errs.KindValidation, errs.ReasonValidationFailed, err)
	}
	p, err := m.workingProposal(proposalID)
	if err != nil {
		return Request{}, err
	}

	req := Request{
		RequestID:     uuid.NewString(),
		Kind:          KindModify,
		ProposalID:    proposalID,
		BrokerOrderID: p.BrokerOrderID,
		CorrelationID: p.CorrelationID,
		NewIntent:     &newIntent,
		State:         StatePending,
		Reason:        reason,
		RequestedAt:   m.now().UTC(),
	}

	if err := m.auditLog.Append(ctx, audit.NewEvent(audit.EventModifyRequested, p.CorrelationID, map[string]any{
		"request_id":      req.RequestID,
		"proposal_id":     proposalID,
		"broker_order_id": p.BrokerOrderID,
		"reason":          reason,
		"new_symbol":      newIntent.Instrument.Symbol,
		"new_quantity":    newIntent.Quantity.String(),
	})); err != nil {
		return Request{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	m.mu.Lock()
	m.requests[req.RequestID] = req
	m.mu.Unlock()

	m.logger.Info("modify requested", "request_id", req.RequestID, "proposal_id", proposalID)
	return req, nil
}

// Confirm executes a pending request: cancels the working order at the
// broker, moves the proposal to CANCELLED, and for a modify creates the
// replacement proposal in PROPOSED. Execution is a broker write, so the
// kill switch blocks it; the pending request survives the halt.
func (m *Manager) Confirm(ctx context.Context, requestID, actor string) (Request, error) {
	if strings.TrimSpace(actor) == "" {
		return Request{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"confirm requires an actor")
	}
	if m.killCheck != nil {
		if err := m.killCheck("cancel/modify execution"); err != nil {
			return Request{}, err
		}
	}
	req, err := m.pendingRequest(requestID)
	if err != nil {
		return Request{}, err
	}

	grantEvent := audit.EventCancelGranted
	if req.Kind == KindModify {
		grantEvent = audit.EventModifyGranted
	}
	if err := m.auditLog.Append(ctx, audit.NewEvent(grantEvent, req.CorrelationID, map[string]any{
		"request_id": requestID,
		"actor":      actor,
	})); err != nil {
		return Request{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	if _, err := m.broker.CancelOrder(ctx, req.BrokerOrderID); err != nil {
		// Request stays pending; the caller may retry the confirm.
		m.logger.Error("broker cancel failed", "request_id", requestID, "error", err)
		return Request{}, errs.Wrap(errs.KindResource, errs.ReasonBrokerUnavailable, err)
	}

	p, err := m.store.Get(req.ProposalID)
	if err != nil {
		return Request{}, err
	}
	cancelled, err := p.WithState(types.StateCancelled, m.now().UTC())
	if err != nil {
		return Request{}, errs.Wrap(errs.KindInternal, errs.ReasonInvalidTransition, err)
	}
	if err := m.store.Update(cancelled, p.State); err != nil {
		return Request{}, err
	}

	now := m.now().UTC()
	req.State = StateExecuted
	req.Actor = actor
	req.DecidedAt = &now

	execEvent := audit.EventCancelExecuted
	data := map[string]any{
		"request_id":      requestID,
		"proposal_id":     req.ProposalID,
		"broker_order_id": req.BrokerOrderID,
		"actor":           actor,
	}

	if req.Kind == KindModify {
		replacement, err := m.replacementProposal(req)
		if err != nil {
			return Request{}, err
		}
		if err := m.store.Put(replacement); err != nil {
			return Request{}, err
		}
		req.NewProposalID = replacement.ProposalID
		execEvent = audit.EventModifyExecuted
		data["new_proposal_id"] = replacement.ProposalID
	}

	if err := m.auditLog.Append(ctx, audit.NewEvent(execEvent, req.CorrelationID, data)); err != nil {
		return Request{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	m.mu.Lock()
	m.requests[requestID] = req
	m.mu.Unlock()

	m.logger.Info("request executed",
		"request_id", requestID, "kind", req.Kind, "new_proposal_id", req.NewProposalID)
	return req, nil
}

// Deny rejects a pending request, leaving the working order untouched.
func (m *Manager) Deny(ctx context.Context, requestID, actor, reason string) (Request, error) {
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(reason) == "" {
		return Request{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"deny requires an actor and a reason")
	}
	req, err := m.pendingRequest(requestID)
	if err != nil {
		return Request{}, err
	}

	event := audit.EventCancelDenied
	if req.Kind == KindModify {
		event = audit.EventModifyDenied
	}
	if err := m.auditLog.Append(ctx, audit.NewEvent(event, req.CorrelationID, map[string]any{
		"request_id": requestID,
		"actor":      actor,
		"reason":     reason,
	})); err != nil {
		return Request{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}

	now := m.now().UTC()
	req.State = StateDenied
	req.Actor = actor
	req.DecidedAt = &now

	m.mu.Lock()
	m.requests[requestID] = req
	m.mu.Unlock()

	return req, nil
}

// Get returns a request by id.
func (m *Manager) Get(requestID string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return Request{}, errs.New(errs.KindValidation, errs.ReasonNotFound, "no request %s", requestID)
	}
	return req, nil
}

// Pending returns all requests still awaiting confirmation.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.requests {
		if r.State == StatePending && m.now().Sub(r.RequestedAt) < PendingTTL {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) workingProposal(proposalID string) (types.OrderProposal, error) {
	p, err := m.store.Get(proposalID)
	if err != nil {
		return types.OrderProposal{}, err
	}
	if p.State != types.StateSubmitted {
		return types.OrderProposal{}, errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"proposal %s is %s, only SUBMITTED orders can be cancelled or modified", proposalID, p.State)
	}
	if p.BrokerOrderID == "" {
		return types.OrderProposal{}, errs.New(errs.KindInternal, errs.ReasonValidationFailed,
			"proposal %s is SUBMITTED without a broker order id", proposalID)
	}
	return p, nil
}

func (m *Manager) pendingRequest(requestID string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return Request{}, errs.New(errs.KindValidation, errs.ReasonNotFound, "no request %s", requestID)
	}
	if req.State != StatePending {
		return Request{}, errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"request %s is %s", requestID, req.State)
	}
	if m.now().Sub(req.RequestedAt) >= PendingTTL {
		req.State = StateExpired
		m.requests[requestID] = req
		return Request{}, errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"request %s expired", requestID)
	}
	return req, nil
}

// replacementProposal builds the PROPOSED successor for a modify. It keeps
// the correlation id so the audit trail reads as one logical operation.
func (m *Manager) replacementProposal(req Request) (types.OrderProposal, error) {
	intent := *req.NewIntent
	canonical, err := intent.CanonicalJSON()
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonValidationFailed, err)
	}
	hash, err := intent.Hash()
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonValidationFailed, err)
	}
	now := m.now().UTC()
	return types.OrderProposal{
		ProposalID:    uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Intent:        intent,
		IntentJSON:    string(canonical),
		IntentHash:    hash,
		State:         types.StateProposed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
