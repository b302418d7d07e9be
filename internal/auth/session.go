package auth

import (
	"context"
	"sync"
	"time"
)

// TokenSession is the daemon's signed-in viewer. Request claims take
// precedence over the stored token.
type TokenSession struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	claims *Claims
}

// NewTokenSession constructs an anonymous session.
func NewTokenSession(cfg Config) *TokenSession {
	return &TokenSession{cfg: cfg, now: time.Now}
}

// SetToken validates token and makes its subject the session user.
func (s *TokenSession) SetToken(token string) (*Claims, error) {
	claims, err := Parse(token, s.cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.claims = claims
	s.mu.Unlock()
	return claims, nil
}

// Clear signs the viewer out.
func (s *TokenSession) Clear() {
	s.mu.Lock()
	s.claims = nil
	s.mu.Unlock()
}

// CurrentUser returns the authenticated user id, if any.
func (s *TokenSession) CurrentUser(ctx context.Context) (string, bool) {
	if claims, ok := FromContext(ctx); ok && claims.Subject != "" {
		return claims.Subject, true
	}
	s.mu.RLock()
	claims := s.claims
	s.mu.RUnlock()
	if claims == nil || !s.now().Before(claims.ExpiresAt) {
		return "", false
	}
	return claims.Subject, true
}
