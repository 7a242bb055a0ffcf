package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore is the host's credential store. The wrapper reads and writes
// tokens through it; it does not decide where they are persisted.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: accessors return empty strings rather than erroring; a
//   missing token is an expected state, not a failure.
type TokenStore interface {
	// AccessToken returns the short-lived credential, or "" if absent.
	AccessToken() string

	// RefreshToken returns the long-lived credential, or "" if absent.
	RefreshToken() string

	// SetTokens stores both credentials atomically.
	SetTokens(access, refresh string)

	// Clear removes both credentials.
	Clear()
}

// MemoryTokenStore is an in-memory TokenStore.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// AccessToken returns the stored short-lived credential.
func (s *MemoryTokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the stored long-lived credential.
func (s *MemoryTokenStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// SetTokens stores both credentials.
func (s *MemoryTokenStore) SetTokens(access, refresh string) {
	s.mu.Lock()
	s.access = access
	s.refresh = refresh
	s.mu.Unlock()
}

// Clear removes both credentials.
func (s *MemoryTokenStore) Clear() {
	s.mu.Lock()
	s.access = ""
	s.refresh = ""
	s.mu.Unlock()
}

// Ensure MemoryTokenStore implements TokenStore
var _ TokenStore = (*MemoryTokenStore)(nil)

// errNoExpiry indicates the token carries no exp claim.
var errNoExpiry = errors.New("auth: token has no expiry claim")

// TokenExpired reports whether a JWT access token's exp claim has passed,
// applying leeway so a token about to expire counts as expired.
// Opaque (non-JWT) tokens cannot be introspected and are assumed valid;
// the reactive 401 path still covers them.
func TokenExpired(token string, leeway time.Duration) bool {
	if token == "" {
		return true
	}
	exp, err := tokenExpiry(token)
	if err != nil {
		return false
	}
	return !time.Now().Add(leeway).Before(exp)
}

// tokenExpiry extracts the exp claim without verifying the signature.
// The wrapper never trusts token contents for authorization; expiry is
// only a hint for preemptive refresh.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errNoExpiry
	}
	return exp.Time, nil
}
