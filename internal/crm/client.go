// Package crm talks to the GoHighLevel REST and OAuth endpoints. Every API
// call goes through makeRequest, which paces requests, refreshes the stored
// token when it expires, and retries transient failures up to a fixed ceiling.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"vetsync.org/internal/obs"
	"vetsync.org/internal/store"
)

const (
	defaultAPIBaseURL = "https://services.leadconnectorhq.com"
	defaultAuthURL    = "https://marketplace.gohighlevel.com/oauth/chooselocation"
	defaultTokenURL   = "https://services.leadconnectorhq.com/oauth/token"
	apiVersion        = "2021-07-28"
)

// DefaultScopes is the capability list requested during authorization.
var DefaultScopes = []string{
	"locations.readonly",
	"contacts.readonly",
	"contacts.write",
	"calendars.readonly",
	"opportunities.readonly",
}

var (
	// ErrNotConfigured reports missing client credentials or an absent token set.
	ErrNotConfigured = errors.New("crm integration is not configured")
	// ErrStateMismatch is returned when the OAuth callback state does not match; possible CSRF.
	ErrStateMismatch = errors.New("oauth state mismatch: possible CSRF attack")
)

// APIError is a non-2xx response from the CRM.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api error: status=%d %s message=%s", e.Status, http.StatusText(e.Status), e.Body)
}

// Config holds client credentials and resilience settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	APIBaseURL   string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// RequestDelay is the minimum spacing between API requests.
	RequestDelay time.Duration
	// MaxRetries is the total number of attempts per request.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between generic retries.
	RetryDelay time.Duration
	// RateLimitPause is slept after every HTTP 429.
	RateLimitPause time.Duration
	// StateTTL bounds how long an OAuth state stays valid.
	StateTTL time.Duration
}

func (c Config) configured() bool {
	return strings.TrimSpace(c.ClientID) != "" &&
		strings.TrimSpace(c.ClientSecret) != "" &&
		strings.TrimSpace(c.RedirectURI) != ""
}

func (c Config) withDefaults() Config {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.AuthURL == "" {
		c.AuthURL = defaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = 100 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = 10 * time.Second
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport used for API and token calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client is the External CRM Client.
type Client struct {
	cfg     Config
	oauth   *oauth2.Config
	http    *http.Client
	creds   store.CredentialStore
	subs    store.SubAccountStore
	states  StateStore
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	refreshMu sync.Mutex
}

// New constructs a Client. Missing credentials are not an error here; they
// surface as ErrNotConfigured from the operations that need them.
func New(cfg Config, creds store.CredentialStore, subs store.SubAccountStore, states StateStore, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	if states == nil {
		states = NewMemoryStateStore()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		creds:  creds,
		subs:   subs,
		states: states,
		now:    time.Now,
		sleep:  sleepContext,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		limiter: rate.NewLimiter(rate.Every(cfg.RequestDelay), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether client id, secret and redirect URI are present.
func (c *Client) Configured() bool { return c.cfg.configured() }

// makeRequest performs one authenticated API call. 429 responses sleep
// RateLimitPause; transport failures and 5xx back off attempt*RetryDelay; other
// non-2xx responses fail immediately with *APIError. After MaxRetries attempts
// the last error is returned.
func (c *Client) makeRequest(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	token, err := c.GetValidToken(ctx)
	if err != nil {
		return err
	}
	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	target := c.cfg.APIBaseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		status, respBody, err := c.do(ctx, method, target, token, body)
		if err != nil {
			obs.CRMRequests.WithLabelValues("error").Inc()
			lastErr = err
			if attempt < c.cfg.MaxRetries {
				obs.CRMRetries.WithLabelValues("transport").Inc()
				if waitErr := c.sleep(ctx, time.Duration(attempt)*c.cfg.RetryDelay); waitErr != nil {
					return waitErr
				}
				continue
			}
			break
		}
		obs.CRMRequests.WithLabelValues(strconv.Itoa(status)).Inc()
		if status >= 200 && status <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
			}
			return nil
		}

		apiErr := &APIError{Status: status, Body: truncate(strings.TrimSpace(string(respBody)), 512)}
		lastErr = apiErr
		switch {
		case status == http.StatusTooManyRequests:
			if attempt < c.cfg.MaxRetries {
				obs.CRMRetries.WithLabelValues("rate_limited").Inc()
				obs.Logger().Warnw("crm rate limited", "endpoint", endpoint, "attempt", attempt, "pause", c.cfg.RateLimitPause.String())
				if waitErr := c.sleep(ctx, c.cfg.RateLimitPause); waitErr != nil {
					return waitErr
				}
				continue
			}
		case status >= 500:
			if attempt < c.cfg.MaxRetries {
				obs.CRMRetries.WithLabelValues("server_error").Inc()
				if waitErr := c.sleep(ctx, time.Duration(attempt)*c.cfg.RetryDelay); waitErr != nil {
					return waitErr
				}
				continue
			}
		default:
			return apiErr
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, target, token string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
