package biz

import "errors"

var (
	// ErrProviderReported is returned when the callback carries no code,
	// i.e. the provider answered with an error such as access_denied.
	ErrProviderReported = errors.New("provider reported an error")
	// ErrStateMismatch is returned when the callback state does not match the
	// pending login attempt of the session.
	ErrStateMismatch = errors.New("state mismatch")
	// ErrTokenExchange is returned when the token endpoint could not be
	// reached or answered with a non-200 status.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrTokenDecode is returned when the token response or the ID token in it
	// is missing, malformed or fails verification.
	ErrTokenDecode = errors.New("token decode failed")
	// ErrNoRefreshToken is returned by Refresh when the session holds no
	// refresh token.
	ErrNoRefreshToken = errors.New("no refresh token in session")

	ErrSessionNotFound = errors.New("session not found")
	ErrObjectNotFound  = errors.New("object not found")
)
