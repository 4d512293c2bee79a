package exchange

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"oidc-demo/internal/biz"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, retries int) *Client {
	return NewClient(Config{
		TokenURL:     url,
		ClientID:     "client 1",
		ClientSecret: "s3cr:et",
		Timeout:      time.Second,
		Retries:      retries,
		RetryWait:    time.Millisecond,
	}, nil)
}

func TestExchangeRequest(t *testing.T) {
	var gotAuth, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id_token":"h.p.s","access_token":"tok1","refresh_token":"ref1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 1).Exchange(context.Background(), "abc", "http://localhost:5000/callback")
	require.NoError(t, err)

	assert.Equal(t, "h.p.s", resp.IDToken)
	assert.Equal(t, "tok1", resp.AccessToken)
	assert.Equal(t, "ref1", resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	assert.Equal(t, "application/x-www-form-urlencoded", gotType)
	assert.Equal(t, "code=abc&grant_type=authorization_code&redirect_uri=http%3A%2F%2Flocalhost%3A5000%2Fcallback", gotBody)

	require.True(t, strings.HasPrefix(gotAuth, "Basic "))
	creds, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(gotAuth, "Basic "))
	require.NoError(t, err)
	assert.Equal(t, "client+1:s3cr%3Aet", string(creds))
}

func TestExchangeStringExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok1","expires_in":"60"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 0).Exchange(context.Background(), "abc", "http://cb")
	require.NoError(t, err)
	assert.Equal(t, int64(60), resp.ExpiresIn)
	assert.Equal(t, "", resp.IDToken)
}

func TestExchangeRetry(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		retries   int
		wantCalls int32
		wantErr   bool
		wantCode  int
	}{
		{name: "500 then 200", statuses: []int{500, 200}, retries: 1, wantCalls: 2},
		{name: "500 twice", statuses: []int{500, 500}, retries: 1, wantCalls: 2, wantErr: true, wantCode: 500},
		{name: "400 is not retried", statuses: []int{400, 200}, retries: 1, wantCalls: 1, wantErr: true, wantCode: 400},
		{name: "retries disabled", statuses: []int{503, 200}, retries: 0, wantCalls: 1, wantErr: true, wantCode: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[n-1]
				w.WriteHeader(status)
				if status == http.StatusOK {
					_, _ = w.Write([]byte(`{"id_token":"h.p.s"}`))
					return
				}
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
			}))
			defer srv.Close()

			resp, err := newTestClient(srv.URL, tt.retries).Exchange(context.Background(), "abc", "http://cb")
			assert.Equal(t, tt.wantCalls, calls.Load())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "h.p.s", resp.IDToken)
				return
			}

			var he *HTTPError
			require.True(t, errors.As(err, &he))
			assert.Equal(t, tt.wantCode, he.StatusCode)
			assert.Equal(t, "invalid_grant", he.Code)
			assert.Contains(t, he.Error(), "code expired")
		})
	}
}

func TestExchangeMalformedJSON(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 1).Exchange(context.Background(), "abc", "http://cb")
	assert.ErrorIs(t, err, biz.ErrTokenDecode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExchangeTimeout(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{TokenURL: srv.URL, Timeout: 50 * time.Millisecond, Retries: 1, RetryWait: time.Millisecond}, nil)
	start := time.Now()
	_, err := c.Exchange(context.Background(), "abc", "http://cb")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExchangeCancelledContextNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL, 1).Exchange(ctx, "abc", "http://cb")
	require.Error(t, err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestBasicAuth(t *testing.T) {
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("id:secret")), BasicAuth("id", "secret"))
}
