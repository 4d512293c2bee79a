// Package exchange implements the token endpoint call of the
// authorization-code flow: a form POST authenticated with client_secret_basic.
package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oidc-demo/internal/biz"

	"github.com/hashicorp/go-cleanhttp"
)

const maxResponseSize = 1 << 20

// Config configures a Client.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Timeout bounds each attempt. Defaults to 10s.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transport error or a
	// 5xx answer. Zero disables retrying.
	Retries int
	// RetryWait is the pause before a retry. Defaults to 250ms.
	RetryWait time.Duration
}

// Client posts authorization codes to the token endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client using a pooled cleanhttp client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: cleanhttp.DefaultPooledClient(),
		logger:     logger,
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to trust a test CA.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Exchange implements biz.TokenExchanger. redirectURI must be the value sent
// in the authorization request.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*biz.TokenResponse, error) {
	body := url.Values{
		"code":         {code},
		"grant_type":   {"authorization_code"},
		"redirect_uri": {redirectURI},
	}.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying token exchange", "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryWait):
			}
		}

		resp, err := c.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, body string) (*biz.TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Authorization", BasicAuth(c.cfg.ClientID, c.cfg.ClientSecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	c.logger.Debug("token response", "status", res.StatusCode)

	if res.StatusCode != http.StatusOK {
		return nil, newHTTPError(res.StatusCode, data)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", biz.ErrTokenDecode, err)
	}
	expiresIn, _ := tr.ExpiresIn.Int64()
	return &biz.TokenResponse{
		IDToken:      tr.IDToken,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    expiresIn,
	}, nil
}

type tokenResponse struct {
	IDToken      string      `json:"id_token"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
}

// BasicAuth returns the client_secret_basic Authorization header value. Both
// parts are form-url-encoded before joining, as RFC 6749 section 2.3.1 asks.
func BasicAuth(clientID, clientSecret string) string {
	creds := url.QueryEscape(clientID) + ":" + url.QueryEscape(clientSecret)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func retryable(err error) bool {
	if errors.Is(err, biz.ErrTokenDecode) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= http.StatusInternalServerError
	}
	return true
}
