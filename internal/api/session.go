package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"oidc-demo/internal/biz"
	"oidc-demo/internal/conf"

	"github.com/google/uuid"
)

// SessionManager maps the session cookie to server-side sessions.
type SessionManager struct {
	repo       biz.SessionRepo
	cookieName string
	secure     bool
	sameSite   http.SameSite
	ttl        time.Duration
	logger     *slog.Logger
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(repo biz.SessionRepo, cfg conf.Session, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.CookieName
	if name == "" {
		name = "sid"
	}
	return &SessionManager{
		repo:       repo,
		cookieName: name,
		secure:     cfg.CookieSecure,
		sameSite:   parseSameSite(cfg.SameSite),
		ttl:        cfg.TTL,
		logger:     logger,
	}
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// Load returns the session of the request, or a new anonymous session when
// the request has no cookie or the session is unknown or expired.
func (m *SessionManager) Load(r *http.Request) (*biz.Session, error) {
	if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
		sess, err := m.repo.Get(r.Context(), cookie.Value)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, biz.ErrSessionNotFound) {
			return nil, err
		}
		m.logger.Debug("unknown session cookie, starting a new session")
	}
	return biz.NewSession(uuid.NewString(), time.Now()), nil
}

// Save persists the session and (re)issues its cookie.
func (m *SessionManager) Save(w http.ResponseWriter, r *http.Request, sess *biz.Session) error {
	if err := m.repo.Save(r.Context(), sess); err != nil {
		return err
	}
	cookie := &http.Cookie{
		Name:     m.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure || m.sameSite == http.SameSiteNoneMode,
		SameSite: m.sameSite,
	}
	if m.ttl > 0 {
		cookie.MaxAge = int(m.ttl / time.Second)
	}
	http.SetCookie(w, cookie)
	return nil
}
