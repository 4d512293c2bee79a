package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// AccessTokenVerifier validates JWT access tokens presented as bearer tokens
// to a resource server.
type AccessTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// AccessTokenConfig configures an AccessTokenVerifier.
type AccessTokenConfig struct {
	IssuerURL string
	// JWKSURL skips discovery when set.
	JWKSURL string
	// Audience is required in the aud claim. Empty disables the check.
	Audience   string
	Algorithms []string
}

// NewAccessTokenVerifier creates a verifier backed by the issuer's JWKS.
func NewAccessTokenVerifier(ctx context.Context, cfg AccessTokenConfig, logger *slog.Logger) (*AccessTokenVerifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	oidcCfg := &oidc.Config{
		ClientID:             cfg.Audience,
		SkipClientIDCheck:    cfg.Audience == "",
		SupportedSigningAlgs: cfg.Algorithms,
	}

	var verifier *oidc.IDTokenVerifier
	if cfg.JWKSURL != "" {
		keySet := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		verifier = oidc.NewVerifier(cfg.IssuerURL, keySet, oidcCfg)
	} else {
		provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
		}
		verifier = provider.Verifier(oidcCfg)
	}
	return &AccessTokenVerifier{verifier: verifier, logger: logger}, nil
}

// Verify checks the token and returns its claims.
func (v *AccessTokenVerifier) Verify(ctx context.Context, raw string) (*AccessClaims, error) {
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	var claims AccessClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	return &claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// token claims in the request context.
func (v *AccessTokenVerifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				writeUnauthorized(w, "invalid token")
				return
			}

			claims, err := v.Verify(r.Context(), raw)
			if err != nil {
				v.logger.Debug("rejected bearer token", "error", err)
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccessClaims(r.Context(), claims)))
		})
	}
}

// RequireScope rejects requests whose access token lacks scope. It must run
// after Middleware. An empty scope lets every request through.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if scope == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := AccessClaimsFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}
			if !claims.HasScope(scope) {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="insufficient_scope", scope=%q`, scope))
				writeJSONError(w, http.StatusForbidden, "insufficient_scope", "token lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token of a "Bearer <token>" Authorization header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", message)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
