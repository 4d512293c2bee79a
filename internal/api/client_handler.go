package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"oidc-demo/internal/biz"
	"oidc-demo/internal/metrics"

	"github.com/gorilla/mux"
)

// UserInfoFetcher calls the provider userinfo endpoint.
type UserInfoFetcher interface {
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
}

// ClientPage is what the client pages show about the registration.
type ClientPage struct {
	Page
	ClientID     string
	AuthURL      string
	DefaultScope string
}

// ClientHandler serves the confidential client: the login page, the
// authorization-code callback and the token page.
type ClientHandler struct {
	login    *biz.LoginUsecase
	sessions *SessionManager
	userInfo UserInfoFetcher
	page     ClientPage
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewClientHandler creates a ClientHandler. userInfo may be nil when the
// provider publishes no userinfo endpoint.
func NewClientHandler(login *biz.LoginUsecase, sessions *SessionManager, userInfo UserInfoFetcher, page ClientPage, m *metrics.Metrics, logger *slog.Logger) *ClientHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientHandler{
		login:    login,
		sessions: sessions,
		userInfo: userInfo,
		page:     page,
		metrics:  m,
		logger:   logger,
	}
}

// RegisterRoutes registers the client routes
func (h *ClientHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.index).Methods(http.MethodGet)
	r.HandleFunc("/login", h.startLogin).Methods(http.MethodPost)
	r.HandleFunc("/callback", h.callback).Methods(http.MethodGet)
	r.HandleFunc("/logout", h.logout).Methods(http.MethodPost)
	r.HandleFunc("/checklogin", h.checkLogin).Methods(http.MethodPost)
	r.HandleFunc("/refresh", h.refresh).Methods(http.MethodPost)
	r.HandleFunc("/user", h.user).Methods(http.MethodGet)
	r.HandleFunc("/user/", h.user).Methods(http.MethodGet)
	r.HandleFunc("/userinfo", h.userinfo).Methods(http.MethodGet)
}

type loginPage struct {
	ClientPage
	Scope string
	Error string
}

type tokenPage struct {
	Page
	Username     string
	IDToken      string
	Claims       string
	AccessToken  string
	RefreshToken string
	Error        string
}

func (h *ClientHandler) index(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if sess.Authenticated() {
		h.renderTokenPage(w, sess, r.URL.Query().Get("error"))
		return
	}
	render(w, h.logger, "client_login.html", loginPage{
		ClientPage: h.page,
		Scope:      h.page.DefaultScope,
		Error:      r.URL.Query().Get("error"),
	})
}

func (h *ClientHandler) user(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if !sess.Authenticated() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	h.renderTokenPage(w, sess, "")
}

func (h *ClientHandler) renderTokenPage(w http.ResponseWriter, sess *biz.Session, errMsg string) {
	claims, err := json.MarshalIndent(sess.Claims, "", "  ")
	if err != nil {
		h.logger.Error("failed to encode claims", "error", err)
	}
	render(w, h.logger, "client_token.html", tokenPage{
		Page:         h.page.Page,
		Username:     sess.Username(),
		IDToken:      sess.Tokens.IDToken,
		Claims:       string(claims),
		AccessToken:  sess.Tokens.AccessToken,
		RefreshToken: sess.Tokens.RefreshToken,
		Error:        errMsg,
	})
}

func (h *ClientHandler) startLogin(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	authURL, err := h.login.StartLogin(sess, r.PostFormValue("scope"))
	if err != nil {
		h.internalError(w, "failed to start login", err)
		return
	}
	h.saveAndRedirect(w, r, sess, authURL)
}

func (h *ClientHandler) checkLogin(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	authURL, err := h.login.CheckLogin(sess)
	if err != nil {
		h.internalError(w, "failed to start login check", err)
		return
	}
	h.saveAndRedirect(w, r, sess, authURL)
}

func (h *ClientHandler) callback(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	err := h.login.HandleCallback(r.Context(), sess, biz.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})

	target := "/"
	switch {
	case err == nil:
		h.metrics.LoginOutcome("success")
		h.logger.Info("login succeeded", "session", sess.ID, "user", sess.Username())
		h.logger.Debug("received tokens", "id_token", truncate(sess.Tokens.IDToken), "access_token", truncate(sess.Tokens.AccessToken))
	case errors.Is(err, biz.ErrStateMismatch):
		h.metrics.LoginOutcome("state_mismatch")
		h.logger.Warn("callback state mismatch, possible forgery", "session", sess.ID, "error", err)
	case errors.Is(err, biz.ErrProviderReported):
		h.metrics.LoginOutcome("provider_error")
		h.logger.Info("provider reported an error", "session", sess.ID,
			"error", q.Get("error"), "error_description", q.Get("error_description"))
	default:
		h.metrics.LoginOutcome("failed")
		h.logger.Error("login failed", "session", sess.ID, "error", err)
		target = "/?error=login_failed"
	}
	h.saveAndRedirect(w, r, sess, target)
}

func (h *ClientHandler) logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	target := h.login.Logout(sess)
	h.logger.Info("logged out", "session", sess.ID)
	h.saveAndRedirect(w, r, sess, target)
}

func (h *ClientHandler) refresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if err := h.login.Refresh(r.Context(), sess); err != nil {
		h.logger.Warn("token refresh failed", "session", sess.ID, "error", err)
		http.Redirect(w, r, "/?error=refresh_failed", http.StatusFound)
		return
	}
	h.logger.Info("tokens refreshed", "session", sess.ID)
	h.saveAndRedirect(w, r, sess, "/")
}

func (h *ClientHandler) userinfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if !sess.Authenticated() || sess.Tokens.AccessToken == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not logged in")
		return
	}
	if h.userInfo == nil {
		writeError(w, http.StatusNotFound, "not_supported", "provider has no userinfo endpoint")
		return
	}
	info, err := h.userInfo.UserInfo(r.Context(), sess.Tokens.AccessToken)
	if err != nil {
		h.logger.Warn("userinfo request failed", "session", sess.ID, "error", err)
		writeError(w, http.StatusBadGateway, "userinfo_failed", "provider userinfo request failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *ClientHandler) loadSession(w http.ResponseWriter, r *http.Request) (*biz.Session, bool) {
	sess, err := h.sessions.Load(r)
	if err != nil {
		h.internalError(w, "failed to load session", err)
		return nil, false
	}
	return sess, true
}

func (h *ClientHandler) saveAndRedirect(w http.ResponseWriter, r *http.Request, sess *biz.Session, target string) {
	if err := h.sessions.Save(w, r, sess); err != nil {
		h.internalError(w, "failed to save session", err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *ClientHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
