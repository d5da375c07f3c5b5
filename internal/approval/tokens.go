package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// TokenTTL is how long a granted token stays consumable. Expiry is strict:
// a token presented exactly at expires_at is already dead.
const TokenTTL = 5 * time.Minute

// TokenStore mints and consumes single-use approval tokens. Consume is
// atomic under the store lock, so two concurrent submissions with the same
// token cannot both win.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*types.ApprovalToken
	ttl    time.Duration
	now    func() time.Time // injectable clock for tests
}

// NewTokenStore creates a token store with the default TTL.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*types.ApprovalToken),
		ttl:    TokenTTL,
		now:    time.Now,
	}
}

// Issue mints a fresh token bound to a proposal and its intent hash.
func (s *TokenStore) Issue(proposalID, intentHash string) types.ApprovalToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	t := types.ApprovalToken{
		TokenID:    uuid.NewString(),
		ProposalID: proposalID,
		IntentHash: intentHash,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.tokens[t.TokenID] = &t
	return t
}

// Validate checks a token without consuming it.
func (s *TokenStore) Validate(tokenID, intentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.checkLocked(tokenID, intentHash)
	return err
}

// Consume validates and burns the token in one step. The returned copy has
// UsedAt set; a second Consume with the same id fails with TOKEN_CONSUMED.
func (s *TokenStore) Consume(tokenID, intentHash string) (types.ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.checkLocked(tokenID, intentHash)
	if err != nil {
		return types.ApprovalToken{}, err
	}
	used := s.now().UTC()
	t.UsedAt = &used
	return *t, nil
}

func (s *TokenStore) checkLocked(tokenID, intentHash string) (*types.ApprovalToken, error) {
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, errs.New(errs.KindValidation, errs.ReasonTokenInvalid, "unknown token")
	}
	if t.UsedAt != nil {
		return nil, errs.New(errs.KindConcurrency, errs.ReasonTokenConsumed,
			"token %s already consumed at %s", tokenID, t.UsedAt.Format(time.RFC3339))
	}
	if !s.now().Before(t.ExpiresAt) {
		return nil, errs.New(errs.KindState, errs.ReasonTokenExpired,
			"token %s expired at %s", tokenID, t.ExpiresAt.Format(time.RFC3339))
	}
	if t.IntentHash != intentHash {
		return nil, errs.New(errs.KindValidation, errs.ReasonTokenInvalid,
			"token %s is bound to a different intent", tokenID)
	}
	return t, nil
}

// Revoke discards an unconsumed token. Grants that lose the commit race
// revoke the token they minted so only the winner's token stays live.
func (s *TokenStore) Revoke(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenID]; ok && t.UsedAt == nil {
		delete(s.tokens, tokenID)
	}
}

// Get returns a copy of the token, for status reporting.
func (s *TokenStore) Get(tokenID string) (types.ApprovalToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return types.ApprovalToken{}, false
	}
	return *t, true
}

// Sweep drops tokens that expired more than keep ago. Consumed tokens are
// kept until they age out the same way, so replay attempts keep failing
// with TOKEN_CONSUMED rather than TOKEN_INVALID.
func (s *TokenStore) Sweep(keep time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-keep)
	removed := 0
	for id, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, id)
			removed++
		}
	}
	return removed
}
