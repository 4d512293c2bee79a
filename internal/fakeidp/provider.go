// Package fakeidp is a small OpenID Connect provider for local demos and
// tests. It knows one client registration and signs RS256 tokens with a key
// generated at start.
package fakeidp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"oidc-demo/internal/conf"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

const (
	codeTTL         = time.Minute
	loginCookieName = "fakeidp_login"
)

// Provider is the fake identity provider.
type Provider struct {
	cfg     conf.FakeIDP
	privKey *rsa.PrivateKey
	kid     string
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	codes    map[string]*authCode
	refreshs map[string]*grant
}

// grant is what a code or a refresh token stands for.
type grant struct {
	User     conf.FakeUser
	ClientID string
	Scope    string
}

type authCode struct {
	grant
	RedirectURI     string
	Nonce           string
	Challenge       string
	ChallengeMethod string
	ExpiresAt       time.Time
}

// NewProvider creates a provider with a fresh signing key.
func NewProvider(cfg conf.FakeIDP, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")

	sum := sha256.Sum256(privKey.PublicKey.N.Bytes())
	logger.Info("initialized fake OIDC provider", "issuer", cfg.Issuer, "client_id", cfg.ClientID)
	return &Provider{
		cfg:      cfg,
		privKey:  privKey,
		kid:      hex.EncodeToString(sum[:8]),
		logger:   logger,
		now:      time.Now,
		codes:    make(map[string]*authCode),
		refreshs: make(map[string]*grant),
	}, nil
}

// Issuer returns the issuer identifier.
func (p *Provider) Issuer() string { return p.cfg.Issuer }

// Handler returns the provider routes.
func (p *Provider) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/.well-known/openid-configuration", p.HandleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/auth", p.HandleAuth).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/token", p.HandleToken).Methods(http.MethodPost)
	r.HandleFunc("/userinfo", p.HandleUserInfo).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/jwks", p.HandleJWKS).Methods(http.MethodGet)
	r.HandleFunc("/logout", p.HandleLogout).Methods(http.MethodGet)
	return r
}

// HandleDiscovery serves the provider metadata.
func (p *Provider) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.cfg.Issuer,
		"authorization_endpoint":                p.cfg.Issuer + "/auth",
		"token_endpoint":                        p.cfg.Issuer + "/token",
		"userinfo_endpoint":                     p.cfg.Issuer + "/userinfo",
		"jwks_uri":                              p.cfg.Issuer + "/jwks",
		"end_session_endpoint":                  p.cfg.Issuer + "/logout",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "email", "profile", "offline_access"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"claims_supported": []string{
			"aud", "email", "email_verified", "exp", "groups",
			"iat", "iss", "name", "nonce", "preferred_username", "sub",
		},
	})
}

var authTemplate = template.Must(template.New("auth").Parse(`<!DOCTYPE html>
<html>
	<head><title>Fake OIDC Provider</title></head>
	<body>
		<h1>Fake OIDC Provider</h1>
		<p>Client <code>{{.ClientID}}</code> asks for <code>{{.Scope}}</code>.</p>
		<form method="POST">
			{{range $name, $value := .Params}}<input type="hidden" name="{{$name}}" value="{{$value}}">
			{{end}}
			<label>Username: <input type="text" name="preferred_username" value="{{.User.PreferredUsername}}"></label><br>
			<label>Name: <input type="text" name="name" value="{{.User.Name}}"></label><br>
			<label>Email: <input type="email" name="email" value="{{.User.Email}}"></label><br>
			<label>Groups (comma-separated): <input type="text" name="groups" value="{{.Groups}}"></label><br>
			<button type="submit" name="action" value="approve">Authorize</button>
			<button type="submit" name="action" value="deny">Deny</button>
		</form>
	</body>
</html>
`))

// authParams are the authorization request parameters carried through the
// login form.
var authParams = []string{
	"response_type", "client_id", "redirect_uri", "scope", "state", "nonce",
	"code_challenge", "code_challenge_method",
}

// HandleAuth is the authorization endpoint. GET shows the login form, POST
// approves or denies it.
func (p *Provider) HandleAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	clientID := r.Form.Get("client_id")
	redirectURI := r.Form.Get("redirect_uri")
	state := r.Form.Get("state")

	// errors before the redirect URI is trusted are shown, not redirected
	if clientID != p.cfg.ClientID {
		p.logger.Warn("authorization request for unknown client", "client_id", clientID)
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return
	}
	if !p.redirectAllowed(redirectURI) {
		p.logger.Warn("authorization request with unregistered redirect_uri", "redirect_uri", redirectURI)
		http.Error(w, "unregistered redirect_uri", http.StatusBadRequest)
		return
	}
	if r.Form.Get("response_type") != "code" {
		redirectWith(w, r, redirectURI, url.Values{"error": {"unsupported_response_type"}, "state": {state}})
		return
	}

	user, loggedIn := p.loginFromCookie(r)

	if r.Method == http.MethodGet {
		if r.Form.Get("prompt") == "none" {
			if !loggedIn {
				redirectWith(w, r, redirectURI, url.Values{"error": {"login_required"}, "state": {state}})
				return
			}
			p.issueCode(w, r, user)
			return
		}

		params := make(map[string]string, len(authParams))
		for _, name := range authParams {
			if v := r.Form.Get(name); v != "" {
				params[name] = v
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := authTemplate.Execute(w, map[string]any{
			"ClientID": clientID,
			"Scope":    r.Form.Get("scope"),
			"Params":   params,
			"User":     user,
			"Groups":   strings.Join(user.Groups, ","),
		}); err != nil {
			p.logger.Error("failed to execute auth template", "error", err)
		}
		return
	}

	if r.Form.Get("action") == "deny" {
		p.logger.Info("user denied authorization", "client_id", clientID)
		redirectWith(w, r, redirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"the user denied the request"},
			"state":             {state},
		})
		return
	}

	user = p.userFromForm(r, user)
	if err := p.setLoginCookie(w, user); err != nil {
		p.logger.Error("failed to set login cookie", "error", err)
		http.Error(w, "failed to process user information", http.StatusInternalServerError)
		return
	}
	p.issueCode(w, r, user)
}

func (p *Provider) issueCode(w http.ResponseWriter, r *http.Request, user conf.FakeUser) {
	code := generateRandomString(32)
	p.mu.Lock()
	p.codes[code] = &authCode{
		grant:           grant{User: user, ClientID: r.Form.Get("client_id"), Scope: r.Form.Get("scope")},
		RedirectURI:     r.Form.Get("redirect_uri"),
		Nonce:           r.Form.Get("nonce"),
		Challenge:       r.Form.Get("code_challenge"),
		ChallengeMethod: r.Form.Get("code_challenge_method"),
		ExpiresAt:       p.now().Add(codeTTL),
	}
	p.mu.Unlock()

	p.logger.Info("issued authorization code", "sub", user.Subject, "client_id", r.Form.Get("client_id"))
	values := url.Values{"code": {code}}
	if state := r.Form.Get("state"); state != "" {
		values.Set("state", state)
	}
	redirectWith(w, r, r.Form.Get("redirect_uri"), values)
}

func (p *Provider) redirectAllowed(redirectURI string) bool {
	return uriAllowed(p.cfg.RedirectURIs, redirectURI)
}

func (p *Provider) postLogoutAllowed(target string) bool {
	if len(p.cfg.PostLogoutRedirectURIs) > 0 {
		return uriAllowed(p.cfg.PostLogoutRedirectURIs, target)
	}
	return uriAllowed(p.cfg.RedirectURIs, target)
}

// uriAllowed accepts any non-empty uri when allowed is empty.
func uriAllowed(allowed []string, uri string) bool {
	if uri == "" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, uri)
}

func (p *Provider) userFromForm(r *http.Request, base conf.FakeUser) conf.FakeUser {
	user := base
	if v := r.PostForm.Get("preferred_username"); v != "" {
		user.PreferredUsername = v
	}
	if v := r.PostForm.Get("name"); v != "" {
		user.Name = v
	}
	if v := r.PostForm.Get("email"); v != "" {
		user.Email = v
	}
	if v := r.PostForm.Get("groups"); v != "" {
		user.Groups = strings.Split(v, ",")
	}
	return user
}

func (p *Provider) loginFromCookie(r *http.Request) (conf.FakeUser, bool) {
	user := p.cfg.User
	cookie, err := r.Cookie(loginCookieName)
	if err != nil {
		return user, false
	}
	data, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		p.logger.Warn("failed to decode login cookie", "error", err)
		return user, false
	}
	if err := json.Unmarshal(data, &user); err != nil {
		p.logger.Warn("failed to parse login cookie", "error", err)
		return p.cfg.User, false
	}
	return user, true
}

func (p *Provider) setLoginCookie(w http.ResponseWriter, user conf.FakeUser) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(data),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  p.now().Add(30 * 24 * time.Hour),
	})
	return nil
}

// HandleToken is the token endpoint for the authorization_code and
// refresh_token grants.
func (p *Provider) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	clientID, ok := p.authenticateClient(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	var g *grant
	var nonce string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code, errDesc := p.redeemCode(r, clientID)
		if code == nil {
			p.logger.Warn("rejected authorization code", "reason", errDesc)
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", errDesc)
			return
		}
		g, nonce = &code.grant, code.Nonce
	case "refresh_token":
		p.mu.Lock()
		g = p.refreshs[r.PostForm.Get("refresh_token")]
		delete(p.refreshs, r.PostForm.Get("refresh_token"))
		p.mu.Unlock()
		if g == nil || g.ClientID != clientID {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
			return
		}
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	resp, err := p.tokenResponse(g, nonce)
	if err != nil {
		p.logger.Error("failed to sign tokens", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// authenticateClient accepts client_secret_basic and client_secret_post.
func (p *Provider) authenticateClient(r *http.Request) (string, bool) {
	id, secret, ok := r.BasicAuth()
	if ok {
		// the credentials are form-encoded before base64
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != p.cfg.ClientID || subtle.ConstantTimeCompare([]byte(secret), []byte(p.cfg.ClientSecret)) != 1 {
		p.logger.Warn("client authentication failed", "client_id", id)
		return "", false
	}
	return id, true
}

// redeemCode consumes a code. It returns nil and a reason when the code
// cannot be redeemed.
func (p *Provider) redeemCode(r *http.Request, clientID string) (*authCode, string) {
	codeValue := r.PostForm.Get("code")
	p.mu.Lock()
	code := p.codes[codeValue]
	delete(p.codes, codeValue)
	p.mu.Unlock()

	switch {
	case code == nil:
		return nil, "unknown or used code"
	case p.now().After(code.ExpiresAt):
		return nil, "code expired"
	case code.ClientID != clientID:
		return nil, "code was issued to another client"
	case code.RedirectURI != r.PostForm.Get("redirect_uri"):
		return nil, "redirect_uri mismatch"
	case code.Challenge != "" && !verifyPKCE(code.Challenge, code.ChallengeMethod, r.PostForm.Get("code_verifier")):
		return nil, "code_verifier mismatch"
	}
	return code, ""
}

func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	if method == "plain" {
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) == 1
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) == 1
}

func (p *Provider) tokenResponse(g *grant, nonce string) (map[string]any, error) {
	idToken, err := p.IDToken(g.User, g.ClientID, nonce)
	if err != nil {
		return nil, err
	}
	accessToken, err := p.AccessToken(g.User, g.ClientID, g.Scope)
	if err != nil {
		return nil, err
	}
	refreshToken := generateRandomString(32)
	p.mu.Lock()
	p.refreshs[refreshToken] = &grant{User: g.User, ClientID: g.ClientID, Scope: g.Scope}
	p.mu.Unlock()

	return map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int64(p.cfg.TokenTTL / time.Second),
		"id_token":      idToken,
		"refresh_token": refreshToken,
		"scope":         g.Scope,
	}, nil
}

// IDToken signs an ID token for user with audience clientID.
func (p *Provider) IDToken(user conf.FakeUser, clientID, nonce string) (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"iss":                p.cfg.Issuer,
		"sub":                user.Subject,
		"aud":                clientID,
		"exp":                now.Add(p.cfg.TokenTTL).Unix(),
		"iat":                now.Unix(),
		"name":               user.Name,
		"email":              user.Email,
		"email_verified":     true,
		"preferred_username": user.PreferredUsername,
		"groups":             user.Groups,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	return p.sign(claims)
}

// AccessToken signs a JWT access token carrying the granted scope.
func (p *Provider) AccessToken(user conf.FakeUser, clientID, scope string) (string, error) {
	now := p.now()
	return p.sign(jwt.MapClaims{
		"iss":                p.cfg.Issuer,
		"sub":                user.Subject,
		"aud":                clientID,
		"client_id":          clientID,
		"exp":                now.Add(p.cfg.TokenTTL).Unix(),
		"iat":                now.Unix(),
		"jti":                generateRandomString(16),
		"scope":              scope,
		"preferred_username": user.PreferredUsername,
		"name":               user.Name,
		"email":              user.Email,
		"groups":             user.Groups,
	})
}

func (p *Provider) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	return token.SignedString(p.privKey)
}

// HandleUserInfo returns the user claims of a valid access token.
func (p *Provider) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return &p.privKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithIssuer(p.cfg.Issuer))
	if err != nil {
		p.logger.Debug("rejected userinfo token", "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	info := map[string]any{"email_verified": true}
	for _, name := range []string{"sub", "name", "email", "preferred_username", "groups"} {
		if v, ok := claims[name]; ok {
			info[name] = v
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleJWKS publishes the public signing key.
func (p *Provider) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	pub := p.privKey.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"use": "sig",
				"kid": p.kid,
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	})
}

// HandleLogout ends the provider login and returns to
// post_logout_redirect_uri when it is registered.
func (p *Provider) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   loginCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	p.logger.Info("ended provider session")

	target := r.URL.Query().Get("post_logout_redirect_uri")
	if p.postLogoutAllowed(target) {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if target != "" {
		p.logger.Warn("ignoring unregistered post_logout_redirect_uri", "uri", target)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("You are logged out.\n"))
}

func redirectWith(w http.ResponseWriter, r *http.Request, target string, values url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	for k, vs := range values {
		if len(vs) > 0 && vs[0] != "" {
			q.Set(k, vs[0])
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func generateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
