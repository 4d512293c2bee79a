package fakeidp

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/http/cookiejar"
	"net/url"
	"testing"
	"time"

	"oidc-demo/internal/conf"
)

// Test client registration used by StartTestServer when cfg leaves it empty.
const (
	TestClientID     = "test-client"
	TestClientSecret = "test-secret"
)

// TestServer is a Provider running on an httptest server.
type TestServer struct {
	*httptest.Server
	Provider *Provider
}

// StartTestServer starts a provider whose issuer is the server URL. The
// server is closed when the test ends.
func StartTestServer(t testing.TB, cfg conf.FakeIDP) *TestServer {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = TestClientID
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = TestClientSecret
	}
	if cfg.User.Subject == "" {
		cfg.User = conf.FakeUser{
			Subject:           "user123",
			Name:              "John Doe",
			Email:             "john@example.com",
			PreferredUsername: "john",
			Groups:            []string{"users", "developers"},
		}
	}

	srv := httptest.NewUnstartedServer(nil)
	cfg.Issuer = "http://" + srv.Listener.Addr().String()

	provider, err := NewProvider(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create fake provider: %v", err)
	}
	srv.Config.Handler = provider.Handler()
	srv.Start()
	t.Cleanup(srv.Close)

	return &TestServer{Server: srv, Provider: provider}
}

// SetNow replaces the provider clock.
func (s *TestServer) SetNow(now func() time.Time) {
	s.Provider.now = now
}

// Login plays the browser at the authorization endpoint: it follows
// authorizeURL, approves the form and returns the redirect target with the
// code. A nil client gets a fresh cookie jar.
func (s *TestServer) Login(t testing.TB, client *http.Client, authorizeURL string) *url.URL {
	t.Helper()
	return s.submit(t, client, authorizeURL, "approve")
}

// Deny is like Login but rejects the request.
func (s *TestServer) Deny(t testing.TB, client *http.Client, authorizeURL string) *url.URL {
	t.Helper()
	return s.submit(t, client, authorizeURL, "deny")
}

func (s *TestServer) submit(t testing.TB, client *http.Client, authorizeURL, action string) *url.URL {
	t.Helper()
	if client == nil {
		client = NoRedirectClient(t)
	}

	u, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("invalid authorize url: %v", err)
	}
	form := u.Query()
	form.Set("action", action)

	resp, err := client.PostForm(s.URL+"/auth", form)
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("authorize returned %d: %s", resp.StatusCode, body)
	}

	loc, err := resp.Location()
	if err != nil {
		t.Fatalf("authorize redirect without location: %v", err)
	}
	return loc
}

// NoRedirectClient returns a client with a cookie jar that does not follow
// redirects.
func NoRedirectClient(t testing.TB) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
