package conf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "http://localhost:5000", cfg.Server.BaseURL)
	assert.Equal(t, "http://localhost:5000/callback", cfg.RedirectURL())
	assert.Equal(t, SessionDriverMemory, cfg.Session.Driver)
	assert.Equal(t, "sid", cfg.Session.CookieName)
	assert.Equal(t, 10*time.Minute, cfg.Session.StateTTL)
	assert.Equal(t, "openid profile", cfg.Client.DefaultScope)
	assert.Equal(t, 10*time.Second, cfg.Client.TokenTimeout)
	assert.Nil(t, cfg.Client.TokenRetries)
	assert.Equal(t, DefaultTokenRetries, cfg.Client.Retries())
	assert.Equal(t, []string{"RS256"}, cfg.ObjectStore.Algorithms)
	assert.Equal(t, "'none'", cfg.CDN.CSPConnectSources)
	assert.True(t, cfg.IsProduction())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
env: development
server:
  port: 5010
session:
  driver: sqlite
  state_ttl: 2m
oidc:
  issuer_url: http://idp.example.com
  client_id: client1
  client_secret: s3cret
client:
  token_timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5010", cfg.Server.BaseURL)
	assert.Equal(t, "data/sessions.db", cfg.Session.Path)
	assert.Equal(t, 2*time.Minute, cfg.Session.StateTTL)
	assert.Equal(t, 3*time.Second, cfg.Client.TokenTimeout)
	assert.Equal(t, "client1", cfg.OIDC.ClientID)
	assert.False(t, cfg.IsProduction())
	assert.NoError(t, cfg.Validate(AppClient))
}

func TestLoadTokenRetries(t *testing.T) {
	tests := []struct {
		body string
		want int
	}{
		{"client:\n  token_retries: 0\n", 0},
		{"client:\n  token_retries: 3\n", 3},
		{"client:\n  title: x\n", DefaultTokenRetries},
	}
	for _, tt := range tests {
		cfg, err := Load(writeConfig(t, tt.body))
		require.NoError(t, err)
		assert.Equal(t, tt.want, cfg.Client.Retries(), tt.body)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLIENT_PORT", "6000")
	t.Setenv("CLIENT_BASE_URL", "https://client.example.com/")
	t.Setenv("CLIENT_ID", "env-client")
	t.Setenv("CLIENT_SECRET", "env-secret")
	t.Setenv("OIDC_AUTH_URL", "https://idp.example.com/auth")
	t.Setenv("OIDC_TOKEN_URL", "https://idp.example.com/token")
	t.Setenv("CLIENT_TITLE", "Confidential Client")
	t.Setenv("LEGIT_CLIENT_URL", "https://legit.example.com")

	path := writeConfig(t, `
oidc:
  client_id: file-client
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.Server.Addr())
	assert.Equal(t, "https://client.example.com/callback", cfg.RedirectURL())
	assert.Equal(t, "env-client", cfg.OIDC.ClientID)
	assert.Equal(t, "env-secret", cfg.OIDC.ClientSecret)
	assert.Equal(t, "https://idp.example.com/auth", cfg.OIDC.AuthURL)
	assert.Equal(t, "https://idp.example.com/token", cfg.OIDC.TokenURL)
	assert.Equal(t, "Confidential Client", cfg.Client.Title)
	assert.Equal(t, "Confidential Client", cfg.Hazard.Title)
	assert.Equal(t, "https://legit.example.com", cfg.Hazard.LegitClientURL)
}

func TestLoadInvalidPort(t *testing.T) {
	t.Setenv("CLIENT_PORT", "not-a-port")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		app     App
		mutate  func(*Config)
		wantErr bool
		count   int
	}{
		{
			name:    "client missing everything",
			app:     AppClient,
			wantErr: true,
			count:   3,
		},
		{
			name: "client complete",
			app:  AppClient,
			mutate: func(c *Config) {
				c.OIDC = OIDC{IssuerURL: "http://idp", ClientID: "id", ClientSecret: "secret"}
			},
		},
		{
			name: "client negative retries",
			app:  AppClient,
			mutate: func(c *Config) {
				c.OIDC = OIDC{IssuerURL: "http://idp", ClientID: "id", ClientSecret: "secret"}
				retries := -1
				c.Client.TokenRetries = &retries
			},
			wantErr: true,
			count:   1,
		},
		{
			name: "bff needs spa url",
			app:  AppBFF,
			mutate: func(c *Config) {
				c.OIDC = OIDC{IssuerURL: "http://idp", ClientID: "id", ClientSecret: "secret"}
			},
			wantErr: true,
			count:   1,
		},
		{
			name: "objectstore web mode needs no issuer",
			app:  AppObjectStore,
			mutate: func(c *Config) {
				c.ObjectStore.Mode = ObjectStoreModeWeb
			},
		},
		{
			name: "objectstore bad mode",
			app:  AppObjectStore,
			mutate: func(c *Config) {
				c.ObjectStore.Mode = "both"
			},
			wantErr: true,
			count:   1,
		},
		{
			name: "bad session driver",
			app:  AppHazard,
			mutate: func(c *Config) {
				c.Hazard.LegitClientURL = "http://legit"
				c.Session.Driver = "redis"
			},
			wantErr: true,
			count:   1,
		},
		{
			name:    "unknown app",
			app:     App("gateway"),
			wantErr: true,
			count:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err := cfg.Validate(tt.app)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var merr interface{ WrappedErrors() []error }
			require.True(t, errors.As(err, &merr))
			assert.Len(t, merr.WrappedErrors(), tt.count)
		})
	}
}
