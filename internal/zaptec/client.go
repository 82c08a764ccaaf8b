package zaptec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evhome/zapbridge/internal/ratelimit"
)

const (
	defaultBaseURL  = "https://api.zaptec.com/api/"
	defaultTokenURL = "https://api.zaptec.com/oauth/token"

	// Retry policy for transient failures. Roughly 100 seconds of retries
	// at the median before giving up.
	defaultRetryAttempts  = 8
	defaultRetryInitDelay = 300 * time.Millisecond
	defaultRetryFactor    = 2.1
	defaultRetryJitter    = 0.1
	defaultRetryMaxDelay  = 60 * time.Second

	defaultRequestTimeout = 10 * time.Second
)

// ClientOptions configures the API client. Zero values fall back to the
// vendor defaults above.
type ClientOptions struct {
	BaseURL  string
	TokenURL string
	Username string
	Password string

	Limiter    *ratelimit.Limiter
	HTTPClient *http.Client
	Logger     *zap.Logger

	RetryAttempts  int
	RetryInitDelay time.Duration
	RetryFactor    float64
	RetryJitter    float64
	RetryMaxDelay  time.Duration
	RequestTimeout time.Duration
}

// Client is the authenticated request layer. Every call acquires a slot from
// the shared rate limiter before touching the network.
type Client struct {
	baseURL    string
	auth       *authenticator
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	log        *zap.Logger

	retryAttempts  int
	retryInitDelay time.Duration
	retryFactor    float64
	retryJitter    float64
	retryMaxDelay  time.Duration
	requestTimeout time.Duration
}

// NewClient builds a client for the vendor cloud.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, errors.New("zaptec: username and password are required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("zaptec: rate limiter is required")
	}

	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		baseURL:        baseURL,
		auth:           newAuthenticator(tokenURL, opts.Username, opts.Password, httpClient, log),
		limiter:        opts.Limiter,
		httpClient:     httpClient,
		log:            log,
		retryAttempts:  opts.RetryAttempts,
		retryInitDelay: opts.RetryInitDelay,
		retryFactor:    opts.RetryFactor,
		retryJitter:    opts.RetryJitter,
		retryMaxDelay:  opts.RetryMaxDelay,
		requestTimeout: opts.RequestTimeout,
	}
	if c.retryAttempts <= 0 {
		c.retryAttempts = defaultRetryAttempts
	}
	if c.retryInitDelay <= 0 {
		c.retryInitDelay = defaultRetryInitDelay
	}
	if c.retryFactor <= 1 {
		c.retryFactor = defaultRetryFactor
	}
	if c.retryJitter <= 0 {
		c.retryJitter = defaultRetryJitter
	}
	if c.retryMaxDelay <= 0 {
		c.retryMaxDelay = defaultRetryMaxDelay
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	return c, nil
}

// Login eagerly fetches an access token so credential problems surface at
// startup instead of on the first poll.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.auth.AccessToken(ctx)
	return err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	return c.request(ctx, http.MethodPost, path, payload, out)
}

// request runs one API call with the full policy: rate-limit slot per
// attempt, exponential backoff with jitter on transient failures, a single
// re-authentication on 401, and no retry of 5xx on mutating methods (the
// action may already have taken effect server-side).
func (c *Client) request(ctx context.Context, method, path string, payload any, out any) error {
	url := c.baseURL + path
	mutating := method != http.MethodGet

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	var (
		lastErr   error
		reauthed  bool
		delay     = c.retryInitDelay
		attempt   int
	)
	for attempt = 1; attempt <= c.retryAttempts; attempt++ {
		if attempt > 1 {
			c.log.Debug("retrying request",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			delay = c.nextDelay(delay)
		}

		if err := c.limiter.Reserve(ctx); err != nil {
			return err
		}

		token, err := c.auth.AccessToken(ctx)
		if err != nil {
			return err
		}

		status, data, err := c.do(ctx, method, url, token, body)
		if err != nil {
			// Network failure or timeout; transient.
			lastErr = err
			continue
		}

		switch {
		case status == http.StatusUnauthorized:
			if reauthed {
				return &AuthError{Reason: "credentials rejected after re-authentication"}
			}
			reauthed = true
			c.auth.Invalidate()
			// Retry immediately with a fresh token; this does not count
			// against the transient budget but reuses the loop.
			attempt--
			continue

		case status == http.StatusOK:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return &ValidationError{URL: url, Err: err}
			}
			if v, ok := out.(interface{ validate() error }); ok {
				if err := v.validate(); err != nil {
					return &ValidationError{URL: url, Err: err}
				}
			}
			return nil

		case status == http.StatusCreated || status == http.StatusNoContent:
			return nil

		case status == http.StatusTooManyRequests:
			lastErr = &RateLimitedError{URL: url, Attempts: attempt}
			continue

		case status >= 500:
			apiErr := &APIError{Method: method, URL: url, Status: status, Body: truncate(string(data))}
			if mutating {
				// Never retried: the vendor may have applied the action
				// despite the 500.
				return apiErr
			}
			lastErr = apiErr
			continue

		default:
			return &APIError{Method: method, URL: url, Status: status, Body: truncate(string(data))}
		}
	}

	switch e := lastErr.(type) {
	case *RateLimitedError:
		return e
	case *APIError:
		return e
	default:
		return &ConnectionError{URL: url, Attempts: c.retryAttempts, Err: lastErr}
	}
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) nextDelay(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * c.retryFactor)
	jitter := 1 + (rand.Float64()*2-1)*c.retryJitter
	next = time.Duration(float64(next) * jitter)
	if next > c.retryMaxDelay {
		next = c.retryMaxDelay
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string) string {
	const max = 150
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
