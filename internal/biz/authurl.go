package biz

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const randomValueSize = 24

// NewRandomValue returns 24 random bytes, base64 encoded with the URL
// alphabet. Used for state and nonce values.
func NewRandomValue() (string, error) {
	b := make([]byte, randomValueSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ClientID    string
	Scope       string
	RedirectURI string
	State       string
	Nonce       string
	Prompt      string
	IDTokenHint string
}

// queryParam is one key/value pair of an ordered query string.
type queryParam struct {
	key, value string
}

// BuildAuthorizeURL appends the request to the authorization endpoint. The
// parameters keep a fixed order (response_type, client_id, scope,
// redirect_uri, state, nonce, then prompt and id_token_hint when set).
func BuildAuthorizeURL(endpoint string, req AuthorizeRequest) string {
	params := []queryParam{
		{"response_type", "code"},
		{"client_id", req.ClientID},
		{"scope", req.Scope},
		{"redirect_uri", req.RedirectURI},
		{"state", req.State},
		{"nonce", req.Nonce},
	}
	if req.Prompt != "" {
		params = append(params, queryParam{"prompt", req.Prompt})
	}
	if req.IDTokenHint != "" {
		params = append(params, queryParam{"id_token_hint", req.IDTokenHint})
	}
	return appendQuery(endpoint, params)
}

// EndSessionRedirect builds the provider logout URL. It returns postLogoutURL
// unchanged when the provider has no end-session endpoint.
func EndSessionRedirect(endSessionURL, idTokenHint, postLogoutURL string) string {
	if endSessionURL == "" {
		return postLogoutURL
	}
	var params []queryParam
	if idTokenHint != "" {
		params = append(params, queryParam{"id_token_hint", idTokenHint})
	}
	params = append(params, queryParam{"post_logout_redirect_uri", postLogoutURL})
	return appendQuery(endSessionURL, params)
}

func appendQuery(endpoint string, params []queryParam) string {
	var b strings.Builder
	b.WriteString(endpoint)
	switch {
	case !strings.Contains(endpoint, "?"):
		b.WriteByte('?')
	case !strings.HasSuffix(endpoint, "?") && !strings.HasSuffix(endpoint, "&"):
		b.WriteByte('&')
	}
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeQueryComponent(p.key))
		b.WriteByte('=')
		b.WriteString(escapeQueryComponent(p.value))
	}
	return b.String()
}

// escapeQueryComponent escapes like url.QueryEscape but encodes spaces as %20.
func escapeQueryComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
