package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"oidc-demo/internal/conf"
	"oidc-demo/internal/fakeidp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, BearerToken(req), tt.header)
	}
}

func TestAccessClaims(t *testing.T) {
	c := &AccessClaims{Subject: "user123", Scope: "openid objects:write"}
	assert.True(t, c.HasScope("objects:write"))
	assert.False(t, c.HasScope("objects"))
	assert.Equal(t, "user123", c.Owner())

	c.PreferredUsername = "john"
	assert.Equal(t, "john", c.Owner())
}

func newTestVerifier(t *testing.T, cfg AccessTokenConfig) (*AccessTokenVerifier, *fakeidp.TestServer) {
	t.Helper()
	idp := fakeidp.StartTestServer(t, conf.FakeIDP{})
	cfg.IssuerURL = idp.URL
	v, err := NewAccessTokenVerifier(context.Background(), cfg, nil)
	require.NoError(t, err)
	return v, idp
}

func TestAccessTokenVerifier(t *testing.T) {
	ctx := context.Background()

	t.Run("discovery without audience", func(t *testing.T) {
		v, idp := newTestVerifier(t, AccessTokenConfig{})
		token, err := idp.Provider.AccessToken(testUser, "any-client", "openid profile")
		require.NoError(t, err)

		claims, err := v.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "user123", claims.Subject)
		assert.Equal(t, "john", claims.PreferredUsername)
		assert.Equal(t, "any-client", claims.ClientID)
		assert.True(t, claims.HasScope("profile"))
	})

	t.Run("audience check", func(t *testing.T) {
		v, idp := newTestVerifier(t, AccessTokenConfig{Audience: fakeidp.TestClientID})
		wrong, err := idp.Provider.AccessToken(testUser, "any-client", "openid")
		require.NoError(t, err)
		_, err = v.Verify(ctx, wrong)
		assert.Error(t, err)

		right, err := idp.Provider.AccessToken(testUser, fakeidp.TestClientID, "openid")
		require.NoError(t, err)
		_, err = v.Verify(ctx, right)
		assert.NoError(t, err)
	})

	t.Run("explicit jwks", func(t *testing.T) {
		idp := fakeidp.StartTestServer(t, conf.FakeIDP{})
		v, err := NewAccessTokenVerifier(ctx, AccessTokenConfig{
			IssuerURL:  idp.URL,
			JWKSURL:    idp.URL + "/jwks",
			Algorithms: []string{"RS256"},
		}, nil)
		require.NoError(t, err)

		token, err := idp.Provider.AccessToken(testUser, fakeidp.TestClientID, "openid")
		require.NoError(t, err)
		_, err = v.Verify(ctx, token)
		assert.NoError(t, err)
	})
}

func TestMiddlewareAndRequireScope(t *testing.T) {
	v, idp := newTestVerifier(t, AccessTokenConfig{})

	var seen *AccessClaims
	h := v.Middleware()(RequireScope("objects:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		seen, err = AccessClaimsFromContext(r.Context())
		require.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	})))

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/object", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	errorCode := func(rec *httptest.ResponseRecorder) string {
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body["error"]
	}

	rec := call("")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "unauthorized", errorCode(rec))

	readOnly, err := idp.Provider.AccessToken(testUser, fakeidp.TestClientID, "openid")
	require.NoError(t, err)
	rec = call(readOnly)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_scope", errorCode(rec))
	assert.Nil(t, seen)

	writer, err := idp.Provider.AccessToken(testUser, fakeidp.TestClientID, "openid objects:write")
	require.NoError(t, err)
	rec = call(writer)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "john", seen.Owner())
}

func TestRequireScopeWithoutClaims(t *testing.T) {
	h := RequireScope("objects:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not be reached")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err := AccessClaimsFromContext(context.Background())
	assert.ErrorIs(t, err, ErrNoClaimsInContext)
}
