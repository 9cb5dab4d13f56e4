package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenRevocationStore tracks bearer tokens that must be rejected before
// their natural expiry. A token is revoked either by its JTI or because its
// user was cut off after the token was issued. Entries are forgotten once
// the tokens they cover can no longer validate.
type TokenRevocationStore struct {
	mu      sync.RWMutex
	tokens  map[string]time.Time // JTI -> token expiry
	cutoffs map[uuid.UUID]userCutoff
	now     func() time.Time
}

type userCutoff struct {
	IssuedBefore time.Time
	ForgetAfter  time.Time
}

// RevocationInfo is one entry of the revocation list.
type RevocationInfo struct {
	JTI          string     `json:"jti,omitempty"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	IssuedBefore *time.Time `json:"issued_before,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

func NewTokenRevocationStore() *TokenRevocationStore {
	return &TokenRevocationStore{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[uuid.UUID]userCutoff),
		now:     time.Now,
	}
}

// Revoke rejects the token with the given JTI until expiresAt.
func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[jti] = expiresAt
}

// RevokeUser rejects every token of userID issued up to now. maxTokenTTL is
// the longest lifetime a token can have; after it the cutoff is dropped.
func (s *TokenRevocationStore) RevokeUser(userID uuid.UUID, maxTokenTTL time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs[userID] = userCutoff{IssuedBefore: now, ForgetAfter: now.Add(maxTokenTTL)}
}

// IsRevoked reports whether the token described by claims is rejected. A
// user cutoff rejects tokens without an iat claim.
func (s *TokenRevocationStore) IsRevoked(claims *Claims) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if claims.ID != "" {
		if _, ok := s.tokens[claims.ID]; ok {
			return true
		}
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return false
	}
	cut, ok := s.cutoffs[userID]
	if !ok {
		return false
	}
	if claims.IssuedAt == nil {
		return true
	}
	return !claims.IssuedAt.Time.After(cut.IssuedBefore)
}

func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens) + len(s.cutoffs)
}

// Entries returns a snapshot of the revocation list.
func (s *TokenRevocationStore) Entries() []RevocationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RevocationInfo, 0, len(s.tokens)+len(s.cutoffs))
	for jti, exp := range s.tokens {
		out = append(out, RevocationInfo{JTI: jti, ExpiresAt: exp})
	}
	for id, cut := range s.cutoffs {
		id, before := id, cut.IssuedBefore
		out = append(out, RevocationInfo{UserID: &id, IssuedBefore: &before, ExpiresAt: cut.ForgetAfter})
	}
	return out
}

// Run removes stale entries every interval until ctx is done.
func (s *TokenRevocationStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *TokenRevocationStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, jti)
		}
	}
	for id, cut := range s.cutoffs {
		if now.After(cut.ForgetAfter) {
			delete(s.cutoffs, id)
		}
	}
}
