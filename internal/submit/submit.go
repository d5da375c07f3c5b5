// Package submit drives the final leg of the order lifecycle: consuming
// the approval token, handing the intent to the broker, and polling the
// working order to a terminal state.
//
// The token is consumed before the broker call on purpose. If the broker
// fails after the consume, the token is burned and the proposal stays in
// APPROVAL_GRANTED — re-submitting requires a fresh approval, never a
// token replay.
package submit

import (
	"context"
	"log/slog"
	"time"

	"tradegate/internal/approval"
	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// Poll cadence for working orders.
const (
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 60
)

// Submitter executes approved proposals against the broker.
type Submitter struct {
	store    *approval.ProposalStore
	tokens   *approval.TokenStore
	broker   broker.Adapter
	auditLog audit.Store
	logger   *slog.Logger

	killCheck    func(op string) error
	pollInterval time.Duration
	maxPolls     int
	now          func() time.Time
}

// New wires a submitter with the default poll cadence.
func New(store *approval.ProposalStore, tokens *approval.TokenStore, adapter broker.Adapter, auditLog audit.Store, logger *slog.Logger) *Submitter {
	return &Submitter{
		store:        store,
		tokens:       tokens,
		broker:       adapter,
		auditLog:     auditLog,
		logger:       logger.With("component", "submit"),
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
		now:          time.Now,
	}
}

// SetKillCheck installs the kill switch gate. It runs before anything else
// in Submit; the token is not consumed when the switch is active.
func (s *Submitter) SetKillCheck(fn func(op string) error) { s.killCheck = fn }

// SetPollCadence overrides the status poll interval and count.
func (s *Submitter) SetPollCadence(interval time.Duration, maxPolls int) {
	s.pollInterval = interval
	s.maxPolls = maxPolls
}

// Submit validates the token, burns it, submits the order, and polls it
// toward a terminal state. The returned proposal reflects the last state
// reached; an order still working after the poll budget stays SUBMITTED.
func (s *Submitter) Submit(ctx context.Context, proposalID, tokenID string) (types.OrderProposal, error) {
	if s.killCheck != nil {
		if err := s.killCheck("submit_order"); err != nil {
			return types.OrderProposal{}, err
		}
	}

	p, err := s.store.Get(proposalID)
	if err != nil {
		return types.OrderProposal{}, err
	}
	if p.State != types.StateApprovalGranted {
		return types.OrderProposal{}, errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"submit requires APPROVAL_GRANTED, proposal %s is %s", proposalID, p.State)
	}
	if tokenID != p.GrantedTokenID {
		return types.OrderProposal{}, errs.New(errs.KindValidation, errs.ReasonTokenInvalid,
			"token does not match the one granted for proposal %s", proposalID)
	}

	// Point of no return: the token dies here regardless of what the
	// broker does next.
	token, err := s.tokens.Consume(tokenID, p.IntentHash)
	if err != nil {
		return types.OrderProposal{}, err
	}

	order, err := s.broker.SubmitOrder(ctx, p.Intent, &token)
	if err != nil {
		s.logger.Error("broker rejected submission",
			"proposal_id", proposalID, "error", err)
		if auditErr := s.auditLog.Append(ctx, audit.NewEvent(audit.EventSubmissionFailed, p.CorrelationID, map[string]any{
			"proposal_id": proposalID,
			"error":       err.Error(),
		})); auditErr != nil {
			s.logger.Error("audit write failed", "error", auditErr)
		}
		return p, errs.Wrap(errs.KindResource, errs.ReasonSubmissionFailed, err)
	}

	submitted, err := p.WithState(types.StateSubmitted, s.now().UTC())
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonInvalidTransition, err)
	}
	submitted.BrokerOrderID = order.BrokerOrderID

	if err := s.auditLog.Append(ctx, audit.NewEvent(audit.EventOrderSubmitted, p.CorrelationID, map[string]any{
		"proposal_id":     proposalID,
		"broker_order_id": order.BrokerOrderID,
		"symbol":          p.Intent.Instrument.Symbol,
		"side":            p.Intent.Side,
		"quantity":        p.Intent.Quantity.String(),
	})); err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	if err := s.store.Update(submitted, p.State); err != nil {
		return types.OrderProposal{}, err
	}
	s.logger.Info("order submitted",
		"proposal_id", proposalID, "broker_order_id", order.BrokerOrderID)

	return s.poll(ctx, submitted)
}

// poll watches the working order until it goes terminal or the budget is
// exhausted. Transient status errors are logged and retried; a cancelled
// context stops polling but leaves the order working at the broker.
func (s *Submitter) poll(ctx context.Context, p types.OrderProposal) (types.OrderProposal, error) {
	for i := 0; i < s.maxPolls; i++ {
		select {
		case <-ctx.Done():
			s.logger.Warn("poll cancelled, order still working",
				"proposal_id", p.ProposalID, "broker_order_id", p.BrokerOrderID)
			return p, nil
		case <-time.After(s.pollInterval):
		}

		order, err := s.broker.GetOrderStatus(ctx, p.BrokerOrderID)
		if err != nil {
			s.logger.Warn("status poll failed",
				"proposal_id", p.ProposalID, "attempt", i+1, "error", err)
			continue
		}
		if !types.TerminalStatus(order.Status) {
			continue
		}
		return s.finalize(ctx, p, order)
	}

	s.logger.Warn("poll budget exhausted, order still working",
		"proposal_id", p.ProposalID, "broker_order_id", p.BrokerOrderID)
	return p, nil
}

func (s *Submitter) finalize(ctx context.Context, p types.OrderProposal, order types.OpenOrder) (types.OrderProposal, error) {
	var next types.OrderState
	var event audit.EventType
	switch order.Status {
	case types.StatusFilled:
		next, event = types.StateFilled, audit.EventOrderFilled
	case types.StatusCancelled:
		next, event = types.StateCancelled, audit.EventOrderCancelled
	default:
		next, event = types.StateRejected, audit.EventOrderRejected
	}

	terminal, err := p.WithState(next, s.now().UTC())
	if err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonInvalidTransition, err)
	}

	data := map[string]any{
		"proposal_id":     p.ProposalID,
		"broker_order_id": order.BrokerOrderID,
		"status":          order.Status,
		"filled_quantity": order.FilledQuantity.String(),
	}
	if order.AverageFillPrice != nil {
		data["average_fill_price"] = order.AverageFillPrice.String()
	}
	if err := s.auditLog.Append(ctx, audit.NewEvent(event, p.CorrelationID, data)); err != nil {
		return types.OrderProposal{}, errs.Wrap(errs.KindInternal, errs.ReasonAuditFailed, err)
	}
	if err := s.store.Update(terminal, p.State); err != nil {
		return types.OrderProposal{}, err
	}

	s.logger.Info("order reached terminal state",
		"proposal_id", p.ProposalID, "state", next)
	return terminal, nil
}
