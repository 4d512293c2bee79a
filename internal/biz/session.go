package biz

import (
	"context"
	"time"
)

// LoginAttempt is the anti-forgery correlation data of one login round-trip.
type LoginAttempt struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier,omitempty"` // PKCE, bff only
	ReturnTo     string    `json:"return_to,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the attempt is older than ttl. A zero ttl never
// expires.
func (a *LoginAttempt) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(a.CreatedAt) > ttl
}

// TokenSet holds the tokens obtained from the provider.
type TokenSet struct {
	IDToken      string    `json:"id_token"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// Session is the server-side state of one browser, keyed by the session cookie.
//
// Tokens and Claims are either both set or both nil; use SetTokens and
// ClearTokens to change them.
type Session struct {
	ID        string         `json:"id"`
	Pending   *LoginAttempt  `json:"pending,omitempty"`
	Tokens    *TokenSet      `json:"tokens,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSession creates an anonymous session.
func NewSession(id string, now time.Time) *Session {
	return &Session{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Authenticated reports whether the session holds a token set with an ID token.
func (s *Session) Authenticated() bool {
	return s.Tokens != nil && s.Tokens.IDToken != "" && s.Claims != nil
}

// SetTokens stores a token set together with the claims of its ID token. An
// incomplete pair clears the session instead and returns ErrTokenDecode.
func (s *Session) SetTokens(tokens *TokenSet, claims map[string]any) error {
	if tokens == nil || tokens.IDToken == "" || claims == nil {
		s.ClearTokens()
		return ErrTokenDecode
	}
	s.Tokens = tokens
	s.Claims = claims
	return nil
}

// ClearTokens drops the token set and its claims.
func (s *Session) ClearTokens() {
	s.Tokens = nil
	s.Claims = nil
}

// BeginLogin records a new pending attempt, replacing any previous one.
func (s *Session) BeginLogin(attempt *LoginAttempt) {
	s.Pending = attempt
}

// IDToken returns the raw ID token or "".
func (s *Session) IDToken() string {
	if s.Tokens == nil {
		return ""
	}
	return s.Tokens.IDToken
}

// Username returns the preferred_username claim, falling back to sub.
func (s *Session) Username() string {
	if v, ok := s.Claims["preferred_username"].(string); ok && v != "" {
		return v
	}
	if v, ok := s.Claims["sub"].(string); ok {
		return v
	}
	return ""
}

// SessionRepo persists sessions.
type SessionRepo interface {
	// Get returns the session or ErrSessionNotFound. Expired sessions are
	// reported as not found.
	Get(ctx context.Context, id string) (*Session, error)
	// Save creates or replaces the session and refreshes its idle timer.
	Save(ctx context.Context, s *Session) error
	// Delete removes the session; deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}
