package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"oidc-demo/internal/biz"
	"oidc-demo/internal/conf"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	// ErrNonceMismatch is returned when the ID token nonce differs from the
	// one sent in the authorization request.
	ErrNonceMismatch = errors.New("id token nonce mismatch")
	// ErrNoUserInfoEndpoint is returned by UserInfo when the provider does not
	// publish a userinfo endpoint.
	ErrNoUserInfoEndpoint = errors.New("provider has no userinfo endpoint")
)

// discoveryMetadata holds the discovery fields go-oidc does not expose.
type discoveryMetadata struct {
	AuthURL       string   `json:"authorization_endpoint"`
	TokenURL      string   `json:"token_endpoint"`
	JWKSURL       string   `json:"jwks_uri"`
	UserInfoURL   string   `json:"userinfo_endpoint"`
	EndSessionURL string   `json:"end_session_endpoint"`
	Algorithms    []string `json:"id_token_signing_alg_values_supported"`
}

// OIDCClient wraps OIDC provider metadata and the ID token verifier of one
// client registration.
type OIDCClient struct {
	provider      *oidc.Provider
	verifier      *oidc.IDTokenVerifier
	endpoint      oauth2.Endpoint
	userInfoURL   string
	endSessionURL string
	clientID      string
	clientSecret  string
}

// NewOIDCClient creates a new OIDC client. Endpoints set in cfg win over the
// discovered ones; discovery is skipped when all of authorization, token and
// JWKS endpoints are configured.
func NewOIDCClient(ctx context.Context, cfg *conf.OIDC) (*OIDCClient, error) {
	meta := discoveryMetadata{
		AuthURL:       cfg.AuthURL,
		TokenURL:      cfg.TokenURL,
		JWKSURL:       cfg.JWKSURL,
		UserInfoURL:   cfg.UserInfoURL,
		EndSessionURL: cfg.EndSessionURL,
	}

	if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.JWKSURL == "" {
		// discovers .well-known/openid-configuration
		discovered, err := oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
		}
		var found discoveryMetadata
		if err := discovered.Claims(&found); err != nil {
			return nil, fmt.Errorf("failed to parse provider metadata: %w", err)
		}
		meta = mergeMetadata(meta, found)
	}

	pc := oidc.ProviderConfig{
		IssuerURL:   cfg.IssuerURL,
		AuthURL:     meta.AuthURL,
		TokenURL:    meta.TokenURL,
		JWKSURL:     meta.JWKSURL,
		UserInfoURL: meta.UserInfoURL,
		Algorithms:  meta.Algorithms,
	}
	provider := pc.NewProvider(ctx)

	endpoint := provider.Endpoint()
	// client_secret_basic, like the hand-built exchange
	endpoint.AuthStyle = oauth2.AuthStyleInHeader

	return &OIDCClient{
		provider:      provider,
		verifier:      provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		endpoint:      endpoint,
		userInfoURL:   meta.UserInfoURL,
		endSessionURL: meta.EndSessionURL,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
	}, nil
}

func mergeMetadata(configured, discovered discoveryMetadata) discoveryMetadata {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return discoveryMetadata{
		AuthURL:       pick(configured.AuthURL, discovered.AuthURL),
		TokenURL:      pick(configured.TokenURL, discovered.TokenURL),
		JWKSURL:       pick(configured.JWKSURL, discovered.JWKSURL),
		UserInfoURL:   pick(configured.UserInfoURL, discovered.UserInfoURL),
		EndSessionURL: pick(configured.EndSessionURL, discovered.EndSessionURL),
		Algorithms:    discovered.Algorithms,
	}
}

// AuthURL returns the authorization endpoint.
func (c *OIDCClient) AuthURL() string { return c.endpoint.AuthURL }

// TokenURL returns the token endpoint.
func (c *OIDCClient) TokenURL() string { return c.endpoint.TokenURL }

// EndSessionURL returns the end-session endpoint, or "" if there is none.
func (c *OIDCClient) EndSessionURL() string { return c.endSessionURL }

// OAuth2Config returns an oauth2 config for this client registration.
func (c *OIDCClient) OAuth2Config(redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     c.endpoint,
		Scopes:       scopes,
	}
}

// VerifyIDToken verifies signature, issuer, audience and expiry of the ID
// token, checks the nonce when one is given, and returns its claims. It
// implements biz.IDTokenVerifier.
func (c *OIDCClient) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (map[string]any, error) {
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token claims: %w", err)
	}
	return claims, nil
}

// Refresh runs the refresh_token grant. It implements biz.TokenRefresher.
func (c *OIDCClient) Refresh(ctx context.Context, refreshToken string) (*biz.TokenResponse, error) {
	tokenSource := c.OAuth2Config("", nil).TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	})
	token, err := tokenSource.Token()
	if err != nil {
		return nil, err
	}
	return TokenResponseFrom(token), nil
}

// UserInfo fetches the userinfo endpoint with the given access token.
func (c *OIDCClient) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if c.userInfoURL == "" {
		return nil, ErrNoUserInfoEndpoint
	}
	info, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo: %w", err)
	}
	return claims, nil
}

// TokenResponseFrom converts an oauth2 token, including its id_token extra.
// oauth2 turns expires_in into Token.Expiry, so the lifetime is derived from it.
func TokenResponseFrom(token *oauth2.Token) *biz.TokenResponse {
	resp := &biz.TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if !token.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(token.Expiry).Round(time.Second) / time.Second)
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp
}

// === PKCE Support ===

// GenerateCodeVerifier generates a random code verifier for PKCE
// Returns a base64-url-encoded random string (43-128 characters)
func GenerateCodeVerifier() (string, error) {
	// Generate 32 random bytes (will be 43 chars after base64url encoding)
	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	// Base64-URL encode without padding
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// GenerateCodeChallenge generates a code challenge from the verifier
// Uses SHA256 and base64-url encoding as per RFC 7636
func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// AuthCodeURLWithPKCE returns the authorization URL with nonce and PKCE
// parameters.
func AuthCodeURLWithPKCE(cfg *oauth2.Config, state, nonce, codeChallenge string) string {
	return cfg.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCodeWithPKCE exchanges authorization code for tokens using PKCE
func ExchangeCodeWithPKCE(ctx context.Context, cfg *oauth2.Config, code, codeVerifier string) (*biz.TokenResponse, error) {
	token, err := cfg.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, err
	}
	return TokenResponseFrom(token), nil
}
