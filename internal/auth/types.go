package auth

import "strings"

// AccessClaims are the access token claims a resource server looks at.
type AccessClaims struct {
	Subject           string `json:"sub"`
	Scope             string `json:"scope"`
	PreferredUsername string `json:"preferred_username"`
	ClientID          string `json:"client_id"`
}

// HasScope reports whether the space-delimited scope claim contains scope.
func (c *AccessClaims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// Owner names the token holder, preferring the username over the subject.
func (c *AccessClaims) Owner() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Subject
}
