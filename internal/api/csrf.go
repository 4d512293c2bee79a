package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

// CSRFCookieName holds the signed double-submit nonce of the object store
// web form.
const CSRFCookieName = "object-store-csrf"

// CSRFGuard issues and checks double-submit nonces. The cookie value is
// HMAC-signed so it cannot be planted by another site.
type CSRFGuard struct {
	codec *securecookie.SecureCookie
}

// NewCSRFGuard creates a guard whose signing key is derived from secret.
func NewCSRFGuard(secret string) *CSRFGuard {
	key := sha256.Sum256([]byte(secret))
	codec := securecookie.New(key[:], nil)
	codec.MaxAge(0)
	return &CSRFGuard{codec: codec}
}

// Issue sets a fresh signed nonce cookie and returns the nonce for the form.
func (g *CSRFGuard) Issue(w http.ResponseWriter) (string, error) {
	nonce := uuid.NewString()
	encoded, err := g.codec.Encode(CSRFCookieName, nonce)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
	})
	return nonce, nil
}

// Check reports whether the request carries a validly signed cookie whose
// nonce equals formNonce. The reason is empty on success.
func (g *CSRFGuard) Check(r *http.Request, formNonce string) (ok bool, reason string) {
	cookie, err := r.Cookie(CSRFCookieName)
	if formNonce == "" || err != nil || cookie.Value == "" {
		return false, "missing CSRF nonce"
	}
	var cookieNonce string
	if err := g.codec.Decode(CSRFCookieName, cookie.Value, &cookieNonce); err != nil {
		return false, "invalid CSRF cookie signature"
	}
	if subtle.ConstantTimeCompare([]byte(cookieNonce), []byte(formNonce)) != 1 {
		return false, "CSRF nonce mismatch"
	}
	return true, ""
}
