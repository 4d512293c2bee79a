package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"oidc-demo/internal/auth"
	"oidc-demo/internal/biz"
	"oidc-demo/internal/metrics"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"
)

// BFFConfig configures a BFFHandler.
type BFFConfig struct {
	// SPAURL is the single page app; the provider redirects back to it.
	SPAURL   string
	Scopes   []string
	StateTTL time.Duration
}

// BFFHandler is a backend-for-frontend: it runs the authorization-code flow
// with PKCE for a single page app and keeps the tokens server-side.
type BFFHandler struct {
	client   *auth.OIDCClient
	oauth2   *oauth2.Config
	sessions *SessionManager
	cfg      BFFConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewBFFHandler creates a BFFHandler
func NewBFFHandler(client *auth.OIDCClient, sessions *SessionManager, cfg BFFConfig, m *metrics.Metrics, logger *slog.Logger) *BFFHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BFFHandler{
		client:   client,
		oauth2:   client.OAuth2Config(cfg.SPAURL, cfg.Scopes),
		sessions: sessions,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes registers the SPA API routes
func (h *BFFHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/start", h.start).Methods(http.MethodGet)
	r.HandleFunc("/pageload", h.pageLoad).Methods(http.MethodPost)
	r.HandleFunc("/userinfo", h.userinfo).Methods(http.MethodGet)
	r.HandleFunc("/logout", h.logout).Methods(http.MethodGet)
}

// start initiates OIDC flow with PKCE
func (h *BFFHandler) start(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	state, err := biz.NewRandomValue()
	if err != nil {
		h.internalError(w, "failed to generate state", err)
		return
	}
	nonce, err := biz.NewRandomValue()
	if err != nil {
		h.internalError(w, "failed to generate nonce", err)
		return
	}
	// Generate PKCE parameters
	codeVerifier, err := auth.GenerateCodeVerifier()
	if err != nil {
		h.internalError(w, "failed to generate code verifier", err)
		return
	}

	sess.BeginLogin(&biz.LoginAttempt{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: codeVerifier,
		CreatedAt:    h.now(),
	})
	authURL := auth.AuthCodeURLWithPKCE(h.oauth2, state, nonce, auth.GenerateCodeChallenge(codeVerifier))

	if !h.save(w, r, sess) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authRedirUrl": authURL})
}

type pageLoadRequest struct {
	PageURL string `json:"pageUrl"`
}

type pageLoadResponse struct {
	LoggedIn    bool `json:"loggedIn"`
	HandledAuth bool `json:"handledAuth"`
}

// pageLoad completes a login when the SPA was loaded with the provider's
// answer in its URL.
func (h *BFFHandler) pageLoad(w http.ResponseWriter, r *http.Request) {
	var req pageLoadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	pageURL, err := url.Parse(req.PageURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed pageUrl")
		return
	}

	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	q := pageURL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		h.metrics.LoginOutcome("provider_error")
		h.logger.Info("provider reported an error", "session", sess.ID,
			"error", providerErr, "error_description", q.Get("error_description"))
		sess.ClearTokens()
		sess.Pending = nil
		if h.save(w, r, sess) {
			writeJSON(w, http.StatusOK, pageLoadResponse{LoggedIn: false, HandledAuth: true})
		}
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeJSON(w, http.StatusOK, pageLoadResponse{LoggedIn: sess.Authenticated(), HandledAuth: false})
		return
	}

	pending := sess.Pending
	if pending == nil || subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		h.metrics.LoginOutcome("state_mismatch")
		h.logger.Warn("page load state mismatch, possible forgery", "session", sess.ID)
		writeError(w, http.StatusBadRequest, "invalid_state", "state does not match a pending login")
		return
	}
	sess.Pending = nil
	if pending.Expired(h.now(), h.cfg.StateTTL) {
		h.metrics.LoginOutcome("state_mismatch")
		h.logger.Warn("page load for an expired login attempt", "session", sess.ID)
		sess.ClearTokens()
		if h.save(w, r, sess) {
			writeError(w, http.StatusBadRequest, "invalid_state", "login attempt expired")
		}
		return
	}

	if err := h.completeLogin(r, sess, code, pending); err != nil {
		h.metrics.LoginOutcome("failed")
		h.logger.Error("login failed", "session", sess.ID, "error", err)
		sess.ClearTokens()
		if h.save(w, r, sess) {
			writeError(w, http.StatusBadGateway, "login_failed", "token exchange failed")
		}
		return
	}

	h.metrics.LoginOutcome("success")
	h.logger.Info("login succeeded", "session", sess.ID, "user", sess.Username())
	if h.save(w, r, sess) {
		writeJSON(w, http.StatusOK, pageLoadResponse{LoggedIn: true, HandledAuth: true})
	}
}

func (h *BFFHandler) completeLogin(r *http.Request, sess *biz.Session, code string, pending *biz.LoginAttempt) error {
	// Exchange code for tokens using PKCE
	resp, err := auth.ExchangeCodeWithPKCE(r.Context(), h.oauth2, code, pending.CodeVerifier)
	if err != nil {
		return err
	}
	if resp.IDToken == "" {
		return biz.ErrTokenDecode
	}
	claims, err := h.client.VerifyIDToken(r.Context(), resp.IDToken, pending.Nonce)
	if err != nil {
		return err
	}

	tokens := &biz.TokenSet{
		IDToken:      resp.IDToken,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Expiry:       resp.ExpiresAt(h.now()),
	}
	return sess.SetTokens(tokens, claims)
}

// userinfo returns the verified ID token claims of the session
func (h *BFFHandler) userinfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if !sess.Authenticated() {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, sess.Claims)
}

// logout clears the session tokens and tells the SPA where to go next
func (h *BFFHandler) logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	hint := sess.IDToken()
	sess.ClearTokens()
	sess.Pending = nil
	if !h.save(w, r, sess) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"logoutUrl": biz.EndSessionRedirect(h.client.EndSessionURL(), hint, h.cfg.SPAURL),
	})
}

func (h *BFFHandler) loadSession(w http.ResponseWriter, r *http.Request) (*biz.Session, bool) {
	sess, err := h.sessions.Load(r)
	if err != nil {
		h.internalError(w, "failed to load session", err)
		return nil, false
	}
	return sess, true
}

func (h *BFFHandler) save(w http.ResponseWriter, r *http.Request, sess *biz.Session) bool {
	if err := h.sessions.Save(w, r, sess); err != nil {
		h.internalError(w, "failed to save session", err)
		return false
	}
	return true
}

func (h *BFFHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", msg)
}
