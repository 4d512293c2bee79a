package conf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App names the demo application a config is validated for.
type App string

const (
	AppClient      App = "client"
	AppObjectStore App = "objectstore"
	AppHazard      App = "hazard"
	AppBFF         App = "bff"
	AppCDN         App = "cdn"
	AppFakeIDP     App = "fakeidp"
)

// Object store modes.
const (
	ObjectStoreModeAPI = "api"
	ObjectStoreModeWeb = "web"
)

// Session drivers.
const (
	SessionDriverMemory = "memory"
	SessionDriverSQLite = "sqlite"
)

// Config is the config structure.
type Config struct {
	Env         string      `yaml:"env"`
	Log         Log         `yaml:"log"`
	Server      Server      `yaml:"server"`
	Session     Session     `yaml:"session"`
	OIDC        OIDC        `yaml:"oidc"`
	Client      Client      `yaml:"client"`
	ObjectStore ObjectStore `yaml:"objectstore"`
	Hazard      Hazard      `yaml:"hazard"`
	BFF         BFF         `yaml:"bff"`
	CDN         CDN         `yaml:"cdn"`
	FakeIDP     FakeIDP     `yaml:"fakeidp"`
}

// Log is the logging config.
type Log struct {
	Level string `yaml:"level"`
}

// Server is the server config.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// Session is the server-side session config.
type Session struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	CookieName   string        `yaml:"cookie_name"`
	CookieSecure bool          `yaml:"cookie_secure"`
	SameSite     string        `yaml:"same_site"`
	TTL          time.Duration `yaml:"ttl"`
	StateTTL     time.Duration `yaml:"state_ttl"`
}

// OIDC is the identity provider and client registration config shared by the
// client, bff and objectstore apps.
type OIDC struct {
	IssuerURL     string `yaml:"issuer_url"`
	AuthURL       string `yaml:"auth_url"`
	TokenURL      string `yaml:"token_url"`
	JWKSURL       string `yaml:"jwks_url"`
	UserInfoURL   string `yaml:"userinfo_url"`
	EndSessionURL string `yaml:"end_session_url"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
}

// Client is the confidential client config.
type Client struct {
	Title        string        `yaml:"title"`
	StyleFile    string        `yaml:"style_file"`
	DefaultScope string        `yaml:"default_scope"`
	TokenTimeout time.Duration `yaml:"token_timeout"`
	// TokenRetries is nil when unset; an explicit 0 disables retrying.
	TokenRetries *int `yaml:"token_retries"`
}

// DefaultTokenRetries applies when client.token_retries is unset.
const DefaultTokenRetries = 1

// Retries returns the token endpoint retry count.
func (c Client) Retries() int {
	if c.TokenRetries == nil {
		return DefaultTokenRetries
	}
	return *c.TokenRetries
}

// ObjectStore is the object store config.
type ObjectStore struct {
	Mode           string   `yaml:"mode"`
	Title          string   `yaml:"title"`
	StyleFile      string   `yaml:"style_file"`
	Audience       string   `yaml:"audience"`
	Algorithms     []string `yaml:"algorithms"`
	WriteScope     string   `yaml:"write_scope"`
	DBPath         string   `yaml:"db_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	CSRFProtection bool     `yaml:"csrf_protection"`
	CookieSecret   string   `yaml:"cookie_secret"`
}

// Hazard is the hazard service config.
type Hazard struct {
	Title          string `yaml:"title"`
	StyleFile      string `yaml:"style_file"`
	LegitClientURL string `yaml:"legit_client_url"`
}

// BFF is the backend-for-frontend config.
type BFF struct {
	SPAURL    string   `yaml:"spa_url"`
	SPAOrigin string   `yaml:"spa_origin"`
	Scopes    []string `yaml:"scopes"`
}

// CDN is the pseudo-CDN config.
type CDN struct {
	StaticDir         string `yaml:"static_dir"`
	CSPConnectSources string `yaml:"csp_connect_sources"`
	CSPScriptSources  string `yaml:"csp_script_sources"`
}

// FakeIDP is the fake identity provider config.
type FakeIDP struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	// PostLogoutRedirectURIs lists the allowed /logout targets. When empty
	// the redirect_uris list applies.
	PostLogoutRedirectURIs []string      `yaml:"post_logout_redirect_uris"`
	TokenTTL               time.Duration `yaml:"token_ttl"`
	User                   FakeUser      `yaml:"user"`
}

// FakeUser is the identity the fake provider pre-fills on its login form.
type FakeUser struct {
	Subject           string   `yaml:"sub"`
	Name              string   `yaml:"name"`
	Email             string   `yaml:"email"`
	PreferredUsername string   `yaml:"preferred_username"`
	Groups            []string `yaml:"groups"`
}

// IsProduction reports whether the config runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "" || c.Env == "production"
}

// RedirectURL returns the fixed callback URL of the client app.
func (c *Config) RedirectURL() string {
	return strings.TrimSuffix(c.Server.BaseURL, "/") + "/callback"
}

// Load loads config from file. An empty path skips the file and uses
// defaults and environment variables only. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Env, "ENV")
	setString(&cfg.Env, "NODE_ENV")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	if port := os.Getenv("CLIENT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid CLIENT_PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}
	setString(&cfg.Server.BaseURL, "CLIENT_BASE_URL")

	setString(&cfg.OIDC.ClientID, "CLIENT_ID")
	setString(&cfg.OIDC.ClientSecret, "CLIENT_SECRET")
	setString(&cfg.OIDC.IssuerURL, "OIDC_ISSUER_URL")
	setString(&cfg.OIDC.AuthURL, "OIDC_AUTH_URL")
	setString(&cfg.OIDC.TokenURL, "OIDC_TOKEN_URL")
	setString(&cfg.OIDC.JWKSURL, "OIDC_JWKS_URL")
	setString(&cfg.OIDC.EndSessionURL, "OIDC_END_SESSION_URL")

	for _, title := range []*string{&cfg.Client.Title, &cfg.ObjectStore.Title, &cfg.Hazard.Title} {
		setString(title, "CLIENT_TITLE")
	}
	for _, style := range []*string{&cfg.Client.StyleFile, &cfg.ObjectStore.StyleFile, &cfg.Hazard.StyleFile} {
		setString(style, "CLIENT_STYLEFILE")
	}

	setString(&cfg.ObjectStore.CookieSecret, "COOKIE_SECRET")
	setString(&cfg.Hazard.LegitClientURL, "LEGIT_CLIENT_URL")
	setString(&cfg.CDN.StaticDir, "STATIC_FILES_PATH")
	setString(&cfg.CDN.CSPConnectSources, "CSP_CONNECT_SOURCES")
	setString(&cfg.CDN.CSPScriptSources, "CSP_SCRIPT_SOURCES")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:" + strconv.Itoa(cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Session.Driver == "" {
		cfg.Session.Driver = SessionDriverMemory
	}
	if cfg.Session.Driver == SessionDriverSQLite && cfg.Session.Path == "" {
		cfg.Session.Path = "data/sessions.db"
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = "sid"
	}
	if cfg.Session.SameSite == "" {
		cfg.Session.SameSite = "lax"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 8 * time.Hour
	}
	if cfg.Session.StateTTL == 0 {
		cfg.Session.StateTTL = 10 * time.Minute
	}

	if cfg.Client.Title == "" {
		cfg.Client.Title = "Client"
	}
	if cfg.Client.StyleFile == "" {
		cfg.Client.StyleFile = "style.css"
	}
	if cfg.Client.DefaultScope == "" {
		cfg.Client.DefaultScope = "openid profile"
	}
	if cfg.Client.TokenTimeout == 0 {
		cfg.Client.TokenTimeout = 10 * time.Second
	}

	if cfg.ObjectStore.Mode == "" {
		cfg.ObjectStore.Mode = ObjectStoreModeAPI
	}
	if cfg.ObjectStore.Title == "" {
		cfg.ObjectStore.Title = "Object Store"
	}
	if cfg.ObjectStore.StyleFile == "" {
		cfg.ObjectStore.StyleFile = "style.css"
	}
	if len(cfg.ObjectStore.Algorithms) == 0 {
		cfg.ObjectStore.Algorithms = []string{"RS256"}
	}
	if cfg.ObjectStore.DBPath == "" {
		cfg.ObjectStore.DBPath = ":memory:"
	}
	if cfg.ObjectStore.CookieSecret == "" {
		cfg.ObjectStore.CookieSecret = "a secret"
	}

	if cfg.Hazard.Title == "" {
		cfg.Hazard.Title = "Hazard Service"
	}
	if cfg.Hazard.StyleFile == "" {
		cfg.Hazard.StyleFile = "style.css"
	}

	if len(cfg.BFF.Scopes) == 0 {
		cfg.BFF.Scopes = []string{"openid", "profile"}
	}

	if cfg.CDN.CSPConnectSources == "" {
		cfg.CDN.CSPConnectSources = "'none'"
	}
	if cfg.CDN.CSPScriptSources == "" {
		cfg.CDN.CSPScriptSources = "'none'"
	}

	if cfg.FakeIDP.Issuer == "" {
		cfg.FakeIDP.Issuer = cfg.Server.BaseURL
	}
	if cfg.FakeIDP.TokenTTL == 0 {
		cfg.FakeIDP.TokenTTL = time.Hour
	}
	if cfg.FakeIDP.User.Subject == "" {
		cfg.FakeIDP.User = FakeUser{
			Subject:           "user123",
			Name:              "John Doe",
			Email:             "john@example.com",
			PreferredUsername: "john",
			Groups:            []string{"users", "developers"},
		}
	}
}

// ErrMissingSetting is wrapped by every validation failure.
var ErrMissingSetting = errors.New("missing required setting")

// Validate checks that the settings a given app needs are present. All
// problems are reported together.
func (c *Config) Validate(app App) error {
	var result *multierror.Error
	require := func(value, name string) {
		if value == "" {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrMissingSetting, name))
		}
	}

	switch app {
	case AppClient:
		require(c.OIDC.ClientID, "oidc.client_id")
		require(c.OIDC.ClientSecret, "oidc.client_secret")
		require(c.OIDC.IssuerURL, "oidc.issuer_url")
		if c.Client.Retries() < 0 {
			result = multierror.Append(result, fmt.Errorf("invalid client.token_retries %d", c.Client.Retries()))
		}
	case AppBFF:
		require(c.OIDC.ClientID, "oidc.client_id")
		require(c.OIDC.ClientSecret, "oidc.client_secret")
		require(c.OIDC.IssuerURL, "oidc.issuer_url")
		require(c.BFF.SPAURL, "bff.spa_url")
	case AppObjectStore:
		switch c.ObjectStore.Mode {
		case ObjectStoreModeAPI:
			require(c.OIDC.IssuerURL, "oidc.issuer_url")
		case ObjectStoreModeWeb:
		default:
			result = multierror.Append(result, fmt.Errorf("invalid objectstore.mode %q", c.ObjectStore.Mode))
		}
	case AppHazard:
		require(c.Hazard.LegitClientURL, "hazard.legit_client_url")
	case AppCDN:
		require(c.CDN.StaticDir, "cdn.static_dir")
	case AppFakeIDP:
		require(c.FakeIDP.ClientID, "fakeidp.client_id")
		require(c.FakeIDP.ClientSecret, "fakeidp.client_secret")
	default:
		result = multierror.Append(result, fmt.Errorf("unknown app %q", app))
	}

	switch c.Session.Driver {
	case SessionDriverMemory, SessionDriverSQLite:
	default:
		result = multierror.Append(result, fmt.Errorf("invalid session.driver %q", c.Session.Driver))
	}

	return result.ErrorOrNil()
}
