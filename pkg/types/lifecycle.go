package types

import (
	"fmt"
	"time"
)

// OrderState is the position of a proposal in its lifecycle.
//
// The allowed graph:
//
//	PROPOSED → SIMULATED → {RISK_APPROVED | RISK_REJECTED}
//	RISK_APPROVED → {APPROVAL_REQUESTED | APPROVAL_GRANTED(auto)}
//	APPROVAL_REQUESTED → {APPROVAL_GRANTED | APPROVAL_DENIED}
//	APPROVAL_GRANTED → SUBMITTED → {FILLED | CANCELLED | REJECTED}
//
// RISK_REJECTED, APPROVAL_DENIED, FILLED, CANCELLED and REJECTED are
// terminal. Skipping a state is an error.
type OrderState string

const (
	StateProposed          OrderState = "PROPOSED"
	StateSimulated         OrderState = "SIMULATED"
	StateRiskApproved      OrderState = "RISK_APPROVED"
	StateRiskRejected      OrderState = "RISK_REJECTED"
	StateApprovalRequested OrderState = "APPROVAL_REQUESTED"
	StateApprovalGranted   OrderState = "APPROVAL_GRANTED"
	StateApprovalDenied    OrderState = "APPROVAL_DENIED"
	StateSubmitted         OrderState = "SUBMITTED"
	StateFilled            OrderState = "FILLED"
	StateCancelled         OrderState = "CANCELLED"
	StateRejected          OrderState = "REJECTED"
)

// allowedTransitions maps each state to its admissible successors.
var allowedTransitions = map[OrderState][]OrderState{
	StateProposed:          {StateSimulated},
	StateSimulated:         {StateRiskApproved, StateRiskRejected},
	StateRiskApproved:      {StateApprovalRequested, StateApprovalGranted},
	StateApprovalRequested: {StateApprovalGranted, StateApprovalDenied},
	StateApprovalGranted:   {StateSubmitted},
	StateSubmitted:         {StateFilled, StateCancelled, StateRejected},
}

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateRiskRejected, StateApprovalDenied, StateFilled, StateCancelled, StateRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is an admissible successor of s.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	for _, n := range allowedTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// OrderProposal is one intent moving through the lifecycle. Proposals are
// mutated only via successor objects: WithState returns a copy in the next
// state, leaving the receiver untouched. The intent hash never changes
// after creation.
type OrderProposal struct {
	ProposalID     string           `json:"proposal_id"`
	CorrelationID  string           `json:"correlation_id"`
	Intent         OrderIntent      `json:"intent"`
	IntentJSON     string           `json:"intent_json"` // canonical form
	IntentHash     string           `json:"intent_hash"`
	Simulation     *SimulationResult `json:"simulation,omitempty"`
	RiskDecision   *RiskDecision    `json:"risk_decision,omitempty"`
	State          OrderState       `json:"state"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	GrantedTokenID string           `json:"granted_token_id,omitempty"`
	ApprovalReason string           `json:"approval_reason,omitempty"`
	ApprovalActor  string           `json:"approval_actor,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// WithState returns a successor proposal in the next state. It fails if the
// transition is not admissible or the current state is terminal.
func (p OrderProposal) WithState(next OrderState, now time.Time) (OrderProposal, error) {
	if p.State.Terminal() {
		return OrderProposal{}, fmt.Errorf("proposal %s is terminal in state %s", p.ProposalID, p.State)
	}
	if !p.State.CanTransitionTo(next) {
		return OrderProposal{}, fmt.Errorf("invalid transition %s → %s for proposal %s",
			p.State, next, p.ProposalID)
	}
	succ := p
	succ.State = next
	succ.UpdatedAt = now
	return succ, nil
}

// ApprovalToken is a single-use, time-limited credential bound to one
// proposal and one intent hash. The broker submission path requires a
// consumed token; the token cannot be replayed against a modified intent.
type ApprovalToken struct {
	TokenID    string     `json:"token_id"` // unpredictable UUID
	ProposalID string     `json:"proposal_id"`
	IntentHash string     `json:"intent_hash"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"` // issued_at + TTL
	UsedAt     *time.Time `json:"used_at,omitempty"`
}

// IsValid reports whether the token can still be consumed at now. Expiry is
// strict: a token presented exactly at ExpiresAt is invalid.
func (t ApprovalToken) IsValid(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}
