package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"oidc-demo/internal/auth"
	"oidc-demo/internal/biz"
	"oidc-demo/internal/conf"
	"oidc-demo/internal/data"
	"oidc-demo/internal/exchange"
	"oidc-demo/internal/fakeidp"
	"oidc-demo/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingExchanger counts the token endpoint calls.
type countingExchanger struct {
	next  biz.TokenExchanger
	calls atomic.Int32
}

func (c *countingExchanger) Exchange(ctx context.Context, code, redirectURI string) (*biz.TokenResponse, error) {
	c.calls.Add(1)
	return c.next.Exchange(ctx, code, redirectURI)
}

type clientApp struct {
	*httptest.Server
	idp       *fakeidp.TestServer
	exchanger *countingExchanger
	metrics   *metrics.Metrics
	sessions  biz.SessionRepo
}

func startClientApp(t *testing.T) *clientApp {
	t.Helper()
	ctx := context.Background()
	idp := fakeidp.StartTestServer(t, conf.FakeIDP{})

	oidcClient, err := auth.NewOIDCClient(ctx, &conf.OIDC{
		IssuerURL:    idp.URL,
		ClientID:     fakeidp.TestClientID,
		ClientSecret: fakeidp.TestClientSecret,
	})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + srv.Listener.Addr().String()

	exchanger := &countingExchanger{next: exchange.NewClient(exchange.Config{
		TokenURL:     oidcClient.TokenURL(),
		ClientID:     fakeidp.TestClientID,
		ClientSecret: fakeidp.TestClientSecret,
		Timeout:      5 * time.Second,
	}, discardLogger)}

	login := biz.NewLoginUsecase(biz.LoginConfig{
		ClientID:      fakeidp.TestClientID,
		AuthURL:       oidcClient.AuthURL(),
		RedirectURL:   baseURL + "/callback",
		DefaultScope:  "openid profile",
		EndSessionURL: oidcClient.EndSessionURL(),
		PostLogoutURL: baseURL + "/",
		StateTTL:      time.Minute,
	}, exchanger, oidcClient, oidcClient, discardLogger)

	repo := data.NewMemorySessionRepo(time.Hour)
	t.Cleanup(func() { repo.Close() })
	sessions := NewSessionManager(repo, conf.Session{CookieName: "sid", TTL: time.Hour}, discardLogger)

	m := metrics.New("client")
	page := ClientPage{
		Page:         Page{Title: "Client", StyleFile: "style.css"},
		ClientID:     fakeidp.TestClientID,
		AuthURL:      oidcClient.AuthURL(),
		DefaultScope: "openid profile",
	}
	h := NewClientHandler(login, sessions, oidcClient, page, m, discardLogger)

	srv.Config.Handler = NewRouter(m, h)
	srv.Start()
	t.Cleanup(srv.Close)

	return &clientApp{Server: srv, idp: idp, exchanger: exchanger, metrics: m, sessions: repo}
}

// startLogin posts the login form and returns the authorization URL.
func (a *clientApp) startLogin(t *testing.T, browser *http.Client, scope string) string {
	t.Helper()
	resp, err := browser.PostForm(a.URL+"/login", url.Values{"scope": {scope}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}

// login runs the whole flow and returns the client redirect after /callback.
func (a *clientApp) login(t *testing.T, browser *http.Client) string {
	t.Helper()
	callback := a.idp.Login(t, browser, a.startLogin(t, browser, ""))
	return a.follow(t, browser, callback.String())
}

func (a *clientApp) follow(t *testing.T, browser *http.Client, target string) string {
	t.Helper()
	resp, err := browser.Get(target)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}

// session returns the stored session behind the browser's sid cookie.
func (a *clientApp) session(t *testing.T, browser *http.Client) *biz.Session {
	t.Helper()
	return storedSession(t, a.sessions, browser, a.URL)
}

func storedSession(t *testing.T, repo biz.SessionRepo, browser *http.Client, baseURL string) *biz.Session {
	t.Helper()
	u, err := url.Parse(baseURL)
	require.NoError(t, err)
	for _, c := range browser.Jar.Cookies(u) {
		if c.Name == "sid" {
			sess, err := repo.Get(context.Background(), c.Value)
			require.NoError(t, err)
			return sess
		}
	}
	t.Fatal("browser has no session cookie")
	return nil
}

func getBody(t *testing.T, client *http.Client, target string) (int, string) {
	t.Helper()
	resp, err := client.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestClientLoginPage(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	status, body := getBody(t, browser, app.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, fakeidp.TestClientID)
	assert.Contains(t, body, `action="/login"`)
	assert.Contains(t, body, `value="openid profile"`)
}

func TestClientAuthorizeRedirect(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	authURL := app.startLogin(t, browser, "openid email")
	require.True(t, strings.HasPrefix(authURL, app.idp.URL+"/auth?response_type=code&client_id="+fakeidp.TestClientID))
	assert.Contains(t, authURL, "scope=openid%20email")
	assert.Contains(t, authURL, "redirect_uri="+url.QueryEscape(app.URL+"/callback"))

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Len(t, u.Query().Get("state"), 32)
	assert.Len(t, u.Query().Get("nonce"), 32)
}

func TestClientLoginSuccess(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	assert.Equal(t, "/", app.login(t, browser))
	assert.EqualValues(t, 1, app.exchanger.calls.Load())

	status, body := getBody(t, browser, app.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Logged in as <b>john</b>")
	assert.Contains(t, body, "&#34;sub&#34;: &#34;user123&#34;")

	status, body = getBody(t, browser, app.URL+"/user")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Logged in as <b>john</b>")

	assert.Contains(t, metricsBody(t, app.URL), `oidc_demo_login_callbacks_total{app="client",outcome="success"} 1`)
}

// metricsBody scrapes the /metrics endpoint of an app.
func metricsBody(t *testing.T, baseURL string) string {
	t.Helper()
	status, body := getBody(t, http.DefaultClient, baseURL+"/metrics")
	require.Equal(t, http.StatusOK, status)
	return body
}

func TestClientCallbackWrongState(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	callback := app.idp.Login(t, browser, app.startLogin(t, browser, ""))
	forged := *callback
	q := forged.Query()
	q.Set("state", "forged-state")
	forged.RawQuery = q.Encode()

	assert.Equal(t, "/", app.follow(t, browser, forged.String()))
	assert.Zero(t, app.exchanger.calls.Load(), "no token request on state mismatch")

	status, body := getBody(t, browser, app.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `action="/login"`)

	// the pending attempt survives the forged callback
	assert.Equal(t, "/", app.follow(t, browser, callback.String()))
	_, body = getBody(t, browser, app.URL+"/")
	assert.Contains(t, body, "Logged in as <b>john</b>")
	assert.Contains(t, metricsBody(t, app.URL), `outcome="state_mismatch"} 1`)
}

func TestClientCallbackWithoutLoginAttempt(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	assert.Equal(t, "/", app.follow(t, browser, app.URL+"/callback?code=abc&state=xyz"))
	assert.Zero(t, app.exchanger.calls.Load())
}

func TestClientSessionsAreIsolated(t *testing.T) {
	app := startClientApp(t)
	alice := fakeidp.NoRedirectClient(t)
	bob := fakeidp.NoRedirectClient(t)

	aliceCallback := app.idp.Login(t, alice, app.startLogin(t, alice, ""))
	bobCallback := app.idp.Login(t, bob, app.startLogin(t, bob, ""))

	// a callback delivered to the wrong browser is a state mismatch
	assert.Equal(t, "/", app.follow(t, bob, aliceCallback.String()))
	_, body := getBody(t, bob, app.URL+"/")
	assert.NotContains(t, body, "Logged in as")
	assert.Zero(t, app.exchanger.calls.Load())

	assert.Equal(t, "/", app.follow(t, alice, aliceCallback.String()))
	assert.Equal(t, "/", app.follow(t, bob, bobCallback.String()))
	for _, browser := range []*http.Client{alice, bob} {
		_, body := getBody(t, browser, app.URL+"/")
		assert.Contains(t, body, "Logged in as <b>john</b>")
	}
}

func TestClientConcurrentLogins(t *testing.T) {
	app := startClientApp(t)

	const n = 8
	browsers := make([]*http.Client, n)
	callbacks := make([]string, n)
	for i := range browsers {
		browsers[i] = fakeidp.NoRedirectClient(t)
		callbacks[i] = app.idp.Login(t, browsers[i], app.startLogin(t, browsers[i], "")).String()
	}

	var wg sync.WaitGroup
	locations := make([]string, n)
	errs := make([]error, n)
	for i := range browsers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := browsers[i].Get(callbacks[i])
			if err != nil {
				errs[i] = err
				return
			}
			resp.Body.Close()
			locations[i] = resp.Header.Get("Location")
		}(i)
	}
	wg.Wait()

	for i := range browsers {
		require.NoError(t, errs[i])
		assert.Equal(t, "/", locations[i])
	}
	assert.EqualValues(t, n, app.exchanger.calls.Load())
}

func TestClientProviderDenied(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	callback := app.idp.Deny(t, browser, app.startLogin(t, browser, ""))
	assert.Equal(t, "access_denied", callback.Query().Get("error"))

	assert.Equal(t, "/", app.follow(t, browser, callback.String()))
	assert.Zero(t, app.exchanger.calls.Load())
	assert.Contains(t, metricsBody(t, app.URL), `outcome="provider_error"} 1`)
}

func TestClientExchangeFailure(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	callback := app.idp.Login(t, browser, app.startLogin(t, browser, ""))
	q := callback.Query()
	q.Set("code", "not-a-code")
	callback.RawQuery = q.Encode()

	assert.Equal(t, "/?error=login_failed", app.follow(t, browser, callback.String()))
	assert.EqualValues(t, 1, app.exchanger.calls.Load(), "4xx is not retried")

	status, body := getBody(t, browser, app.URL+"/?error=login_failed")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Login failed (login_failed)")
	assert.Contains(t, metricsBody(t, app.URL), `outcome="failed"} 1`)
}

func TestClientLogout(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)
	require.Equal(t, "/", app.login(t, browser))

	resp, err := browser.PostForm(app.URL+"/logout", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, app.idp.URL+"/logout", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.NotEmpty(t, loc.Query().Get("id_token_hint"))
	assert.Equal(t, app.URL+"/", loc.Query().Get("post_logout_redirect_uri"))

	_, body := getBody(t, browser, app.URL+"/")
	assert.Contains(t, body, `action="/login"`)

	// logging out twice is harmless
	resp, err = browser.PostForm(app.URL+"/logout", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err = url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Empty(t, loc.Query().Get("id_token_hint"))
}

func TestClientCheckLogin(t *testing.T) {
	app := startClientApp(t)

	t.Run("without provider session", func(t *testing.T) {
		browser := fakeidp.NoRedirectClient(t)
		resp, err := browser.PostForm(app.URL+"/checklogin", nil)
		require.NoError(t, err)
		resp.Body.Close()
		authURL := resp.Header.Get("Location")
		assert.Contains(t, authURL, "&prompt=none")

		callback := app.follow(t, browser, authURL)
		assert.Contains(t, callback, "error=login_required")
		assert.Equal(t, "/", app.follow(t, browser, callback))
	})

	t.Run("with provider session", func(t *testing.T) {
		browser := fakeidp.NoRedirectClient(t)
		require.Equal(t, "/", app.login(t, browser))

		resp, err := browser.PostForm(app.URL+"/checklogin", nil)
		require.NoError(t, err)
		resp.Body.Close()
		authURL := resp.Header.Get("Location")
		assert.Contains(t, authURL, "&id_token_hint=")

		callback := app.follow(t, browser, authURL)
		assert.Contains(t, callback, "code=")
		assert.Equal(t, "/", app.follow(t, browser, callback))

		_, body := getBody(t, browser, app.URL+"/")
		assert.Contains(t, body, "Logged in as <b>john</b>")
	})
}

func TestClientRefreshAndUserInfo(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	status, _ := getBody(t, browser, app.URL+"/userinfo")
	assert.Equal(t, http.StatusUnauthorized, status)

	resp, err := browser.PostForm(app.URL+"/refresh", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "/?error=refresh_failed", resp.Header.Get("Location"))

	require.Equal(t, "/", app.login(t, browser))
	before := app.session(t, browser).Tokens
	require.False(t, before.Expiry.IsZero())

	resp, err = browser.PostForm(app.URL+"/refresh", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "/", resp.Header.Get("Location"))

	after := app.session(t, browser).Tokens
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), after.Expiry, time.Minute)

	status, body := getBody(t, browser, app.URL+"/userinfo")
	require.Equal(t, http.StatusOK, status)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "user123", info["sub"])
	assert.Equal(t, "john", info["preferred_username"])
}

func TestClientUserRedirectsWhenAnonymous(t *testing.T) {
	app := startClientApp(t)
	browser := fakeidp.NoRedirectClient(t)

	assert.Equal(t, "/", app.follow(t, browser, app.URL+"/user/"))
}

func TestClientHealth(t *testing.T) {
	app := startClientApp(t)

	status, body := getBody(t, http.DefaultClient, app.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)

	status, body = getBody(t, http.DefaultClient, app.URL+"/static/style.css")
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body)
}
