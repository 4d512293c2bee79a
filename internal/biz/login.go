package biz

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TokenResponse is the parsed body of a successful token endpoint call.
type TokenResponse struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64     // seconds, 0 when absent
	Expiry       time.Time // absolute expiry when the transport already computed it
}

// ExpiresAt resolves the absolute expiry of the response. It is zero when
// the provider sent no lifetime.
func (r *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if !r.Expiry.IsZero() {
		return r.Expiry
	}
	if r.ExpiresIn > 0 {
		return now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

// TokenExchanger exchanges an authorization code at the token endpoint.
type TokenExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (*TokenResponse, error)
}

// TokenRefresher runs the refresh_token grant.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// IDTokenVerifier verifies a raw ID token and returns its claims. An empty
// nonce skips the nonce comparison.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (map[string]any, error)
}

// LoginConfig is the client registration used by the login use case.
type LoginConfig struct {
	ClientID      string
	AuthURL       string
	RedirectURL   string
	DefaultScope  string
	EndSessionURL string
	// PostLogoutURL is where the provider sends the browser after logout, and
	// where Logout points when there is no end-session endpoint.
	PostLogoutURL string
	StateTTL      time.Duration
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// LoginUsecase drives the authorization-code flow of one session:
// ANONYMOUS -> AWAITING_CALLBACK -> AUTHENTICATED.
type LoginUsecase struct {
	cfg       LoginConfig
	exchanger TokenExchanger
	verifier  IDTokenVerifier
	refresher TokenRefresher
	logger    *slog.Logger
	now       func() time.Time
}

// NewLoginUsecase creates a LoginUsecase. refresher may be nil, in which case
// Refresh always fails with ErrNoRefreshToken.
func NewLoginUsecase(cfg LoginConfig, exchanger TokenExchanger, verifier IDTokenVerifier, refresher TokenRefresher, logger *slog.Logger) *LoginUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginUsecase{
		cfg:       cfg,
		exchanger: exchanger,
		verifier:  verifier,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// StartLogin records a new login attempt in the session and returns the
// authorization URL to redirect to. An empty scope uses the default scope.
func (u *LoginUsecase) StartLogin(sess *Session, scope string) (string, error) {
	return u.begin(sess, scope, "", "")
}

// CheckLogin is StartLogin with prompt=none and the current ID token as hint,
// to probe the provider session without showing a login prompt.
func (u *LoginUsecase) CheckLogin(sess *Session) (string, error) {
	return u.begin(sess, "", "none", sess.IDToken())
}

func (u *LoginUsecase) begin(sess *Session, scope, prompt, hint string) (string, error) {
	if scope == "" {
		scope = u.cfg.DefaultScope
	}
	state, err := NewRandomValue()
	if err != nil {
		return "", err
	}
	nonce, err := NewRandomValue()
	if err != nil {
		return "", err
	}

	sess.BeginLogin(&LoginAttempt{State: state, Nonce: nonce, CreatedAt: u.now()})
	authURL := BuildAuthorizeURL(u.cfg.AuthURL, AuthorizeRequest{
		ClientID:    u.cfg.ClientID,
		Scope:       scope,
		RedirectURI: u.cfg.RedirectURL,
		State:       state,
		Nonce:       nonce,
		Prompt:      prompt,
		IDTokenHint: hint,
	})
	u.logger.Debug("login started", "session", sess.ID, "scope", scope, "prompt", prompt)
	return authURL, nil
}

// HandleCallback completes the login attempt of the session. On any error the
// session is left without a token set, except for ErrStateMismatch, which
// leaves the session untouched.
func (u *LoginUsecase) HandleCallback(ctx context.Context, sess *Session, p CallbackParams) error {
	if p.Code == "" {
		sess.ClearTokens()
		sess.Pending = nil
		reason := p.Error
		if reason == "" {
			reason = "missing code"
		}
		return fmt.Errorf("%w: %s", ErrProviderReported, reason)
	}

	pending := sess.Pending
	if pending == nil || pending.State == "" || subtle.ConstantTimeCompare([]byte(pending.State), []byte(p.State)) != 1 {
		return ErrStateMismatch
	}
	// single use from here on
	sess.Pending = nil
	if pending.Expired(u.now(), u.cfg.StateTTL) {
		sess.ClearTokens()
		return fmt.Errorf("%w: login attempt expired", ErrStateMismatch)
	}

	resp, err := u.exchanger.Exchange(ctx, p.Code, u.cfg.RedirectURL)
	if err != nil {
		sess.ClearTokens()
		if errors.Is(err, ErrTokenDecode) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	if resp.IDToken == "" {
		sess.ClearTokens()
		return fmt.Errorf("%w: token response has no id_token", ErrTokenDecode)
	}

	claims, err := u.verifier.VerifyIDToken(ctx, resp.IDToken, pending.Nonce)
	if err != nil {
		sess.ClearTokens()
		return fmt.Errorf("%w: %w", ErrTokenDecode, err)
	}
	return sess.SetTokens(u.tokenSet(resp), claims)
}

// Refresh runs the refresh_token grant. A response without an ID token keeps
// the current one. The session is left unchanged on failure.
func (u *LoginUsecase) Refresh(ctx context.Context, sess *Session) error {
	if u.refresher == nil || sess.Tokens == nil || sess.Tokens.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	resp, err := u.refresher.Refresh(ctx, sess.Tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	claims := sess.Claims
	if resp.IDToken != "" {
		claims, err = u.verifier.VerifyIDToken(ctx, resp.IDToken, "")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTokenDecode, err)
		}
	} else {
		resp.IDToken = sess.Tokens.IDToken
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = sess.Tokens.RefreshToken
	}
	return sess.SetTokens(u.tokenSet(resp), claims)
}

// Logout clears the session and returns where to send the browser.
func (u *LoginUsecase) Logout(sess *Session) string {
	hint := sess.IDToken()
	sess.ClearTokens()
	sess.Pending = nil
	return EndSessionRedirect(u.cfg.EndSessionURL, hint, u.cfg.PostLogoutURL)
}

func (u *LoginUsecase) tokenSet(resp *TokenResponse) *TokenSet {
	ts := &TokenSet{
		IDToken:      resp.IDToken,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Expiry:       resp.ExpiresAt(u.now()),
	}
	return ts
}
