package auth

import (
	"context"
	"errors"
)

type contextKey struct{}

var accessClaimsKey = contextKey{}

var (
	// ErrNoClaimsInContext is returned when no token claims are found in context
	ErrNoClaimsInContext = errors.New("no access token claims in context")
)

// WithAccessClaims returns a copy of ctx carrying claims.
func WithAccessClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, accessClaimsKey, claims)
}

// AccessClaimsFromContext extracts the verified token claims from request context
func AccessClaimsFromContext(ctx context.Context) (*AccessClaims, error) {
	claims, ok := ctx.Value(accessClaimsKey).(*AccessClaims)
	if !ok || claims == nil {
		return nil, ErrNoClaimsInContext
	}
	return claims, nil
}
