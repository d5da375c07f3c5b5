// Package approval owns the human-in-the-loop gate: the proposal store,
// single-use approval tokens, and the auto-approval policy for small
// routine orders.
//
// A proposal that reached RISK_APPROVED waits here until an operator (or
// the auto-approval policy) grants or denies it. Granting mints a token
// bound to the proposal's intent hash; the submitter must consume that
// token before the broker will see the order.
package approval

import (
	"sync"
	"time"

	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// DefaultCapacity bounds the in-memory proposal store.
const DefaultCapacity = 1000

// ProposalStore holds proposals by id. When full, inserting evicts the
// oldest terminal proposal; if every slot holds a live proposal the insert
// is refused rather than dropping in-flight work.
type ProposalStore struct {
	mu        sync.Mutex
	capacity  int
	proposals map[string]types.OrderProposal
}

// NewProposalStore creates a store. capacity <= 0 uses DefaultCapacity.
func NewProposalStore(capacity int) *ProposalStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ProposalStore{
		capacity:  capacity,
		proposals: make(map[string]types.OrderProposal),
	}
}

// Put inserts a new proposal.
func (s *ProposalStore) Put(p types.OrderProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.proposals[p.ProposalID]; exists {
		return errs.New(errs.KindConcurrency, errs.ReasonValidationFailed,
			"proposal %s already exists", p.ProposalID)
	}
	if len(s.proposals) >= s.capacity {
		if !s.evictTerminalLocked() {
			return errs.New(errs.KindResource, errs.ReasonStoreFull,
				"proposal store full (%d live proposals)", len(s.proposals))
		}
	}
	s.proposals[p.ProposalID] = p
	return nil
}

// evictTerminalLocked removes the oldest terminal proposal. Returns false
// when no proposal is evictable.
func (s *ProposalStore) evictTerminalLocked() bool {
	victim := ""
	var oldest time.Time
	for id, p := range s.proposals {
		if !p.State.Terminal() {
			continue
		}
		if victim == "" || p.UpdatedAt.Before(oldest) {
			victim = id
			oldest = p.UpdatedAt
		}
	}
	if victim == "" {
		return false
	}
	delete(s.proposals, victim)
	return true
}

// Get returns the proposal with the given id.
func (s *ProposalStore) Get(id string) (types.OrderProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return types.OrderProposal{}, errs.New(errs.KindValidation, errs.ReasonNotFound,
			"no proposal %s", id)
	}
	return p, nil
}

// Update replaces a stored proposal with its successor. from is the state
// the caller read before computing the successor; the swap commits only if
// the stored proposal is still in that state, so two racing transitions
// cannot both land. Terminal proposals are write-once: once stored in a
// terminal state they never change.
func (s *ProposalStore) Update(p types.OrderProposal, from types.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.proposals[p.ProposalID]
	if !ok {
		return errs.New(errs.KindValidation, errs.ReasonNotFound, "no proposal %s", p.ProposalID)
	}
	if current.State.Terminal() {
		return errs.New(errs.KindState, errs.ReasonInvalidTransition,
			"proposal %s is terminal in state %s", p.ProposalID, current.State)
	}
	if current.State != from {
		return errs.New(errs.KindConcurrency, errs.ReasonInvalidTransition,
			"proposal %s moved to %s while a transition from %s was in flight",
			p.ProposalID, current.State, from)
	}
	s.proposals[p.ProposalID] = p
	return nil
}

// List returns proposals in the given states, or all proposals when no
// state is given. Order is unspecified.
func (s *ProposalStore) List(states ...types.OrderState) []types.OrderProposal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.OrderProposal
	for _, p := range s.proposals {
		if len(states) == 0 {
			out = append(out, p)
			continue
		}
		for _, st := range states {
			if p.State == st {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Len returns the current number of stored proposals.
func (s *ProposalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proposals)
}
