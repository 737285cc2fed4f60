// Package httpclient executes HTTP requests against the backend with
// retries, exponential backoff, circuit breaking, per-request timeouts and
// optional rate-limit and auth integration.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"broker-core/internal/apierr"
	"broker-core/internal/auth"
	"broker-core/internal/ratelimit"
)

// Config tunes one client instance.
type Config struct {
	BaseURL           string
	Broker            string // broker id used for rate limiting and auth; "" disables both
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
	CircuitThreshold  int
	CircuitCooldown   time.Duration
	MaxRateLimitWait  time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		Timeout:           10 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     10 * time.Second,
		CircuitThreshold:  5,
		CircuitCooldown:   30 * time.Second,
		MaxRateLimitWait:  30 * time.Second,
	}
}

// RequestOptions customizes a single request.
type RequestOptions struct {
	Method        string
	Body          any // marshalled to JSON when non-nil
	Headers       map[string]string
	Timeout       time.Duration // overrides Config.Timeout when > 0
	SkipAuth      bool
	SkipRateLimit bool
}

// Response is the structured result of a request, including retry and
// timing metadata and the mandatory mock marker set by the fallback client.
type Response struct {
	StatusCode    int
	Body          []byte
	Header        http.Header
	RetryCount    int
	Duration      time.Duration
	Mock          bool
	CorrelationID string
}

// JSON decodes the response body into out.
func (r *Response) JSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Client is the resilient HTTP executor. Circuit-breaker state is shared
// across all calls through the same instance.
type Client struct {
	cfg     Config
	httpc   *http.Client
	circuit *CircuitBreaker
	limiter *ratelimit.Limiter // nil disables admission control
	auth    *auth.Manager      // nil disables auth headers
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a Client. limiter and authMgr may be nil to disable those
// integrations for this instance.
func New(cfg Config, limiter *ratelimit.Limiter, authMgr *auth.Manager) *Client {
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{},
		circuit: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		limiter: limiter,
		auth:    authMgr,
		sleep:   sleepCtx,
	}
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

// Request executes one logical request with the full resilience pipeline.
func (c *Client) Request(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	fullURL := c.cfg.BaseURL + path
	key := circuitKey(fullURL)

	// 1. Fail fast while the circuit is open; no network I/O at all.
	if !c.circuit.Allow(key) {
		return nil, &apierr.APIError{
			StatusCode: http.StatusServiceUnavailable,
			Status:     "circuit open",
			URL:        fullURL,
			Body:       apierr.ErrCircuitOpen.Error(),
		}
	}

	// 2. Admission control.
	if c.limiter != nil && c.cfg.Broker != "" && !opts.SkipRateLimit {
		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxRateLimitWait)
		err := c.limiter.WaitForLimit(waitCtx, c.cfg.Broker, path, 0)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	// 3. Auth headers; may trigger a deduplicated token refresh.
	authHeaders, err := c.authHeaders(ctx, opts)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	start := time.Now()
	retries := 0
	delay := c.cfg.RetryDelay
	refreshed := false

	for {
		resp, attemptErr := c.attempt(ctx, fullURL, opts, authHeaders, correlationID)
		if attemptErr == nil {
			c.circuit.RecordSuccess(key)
			resp.RetryCount = retries
			resp.Duration = time.Since(start)
			resp.CorrelationID = correlationID
			return resp, nil
		}

		// 401: exactly one silent refresh, then re-run the same attempt.
		var authErr *apierr.AuthenticationError
		if errors.As(attemptErr, &authErr) && authErr.NeedsRefresh {
			if refreshed || c.auth == nil || opts.SkipAuth || c.cfg.Broker == "" {
				c.circuit.RecordFailure(key)
				return nil, attemptErr
			}
			refreshed = true
			if _, err := c.auth.RefreshToken(ctx, c.cfg.Broker); err != nil {
				c.circuit.RecordFailure(key)
				return nil, err
			}
			if authHeaders, err = c.authHeaders(ctx, opts); err != nil {
				c.circuit.RecordFailure(key)
				return nil, err
			}
			continue
		}

		// 429: honor Retry-After up to the retry budget.
		var rlErr *apierr.RateLimitError
		if errors.As(attemptErr, &rlErr) {
			if retries >= c.cfg.MaxRetries {
				c.circuit.RecordFailure(key)
				return nil, attemptErr
			}
			retries++
			if err := c.sleep(ctx, rlErr.RetryAfter); err != nil {
				return nil, err
			}
			continue
		}

		// Transient failures: sequential retries with exponential backoff.
		if apierr.IsRetryable(attemptErr) {
			c.circuit.RecordFailure(key)
			if retries >= c.cfg.MaxRetries {
				return nil, attemptErr
			}
			retries++
			log.Printf("httpclient: retry %d/%d %s %s after %s: %v",
				retries, c.cfg.MaxRetries, opts.Method, path, delay, attemptErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = nextDelay(delay, c.cfg.BackoffMultiplier, c.cfg.MaxRetryDelay)
			continue
		}

		c.circuit.RecordFailure(key)
		return nil, attemptErr
	}
}

// attempt performs a single HTTP exchange under the per-request timeout.
func (c *Client) attempt(ctx context.Context, fullURL string, opts RequestOptions, authHeaders map[string]string, correlationID string) (*Response, error) {
	timeout := c.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if opts.Body != nil {
		raw, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(attemptCtx, opts.Method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range authHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &apierr.TimeoutError{URL: fullURL, Timeout: timeout}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &apierr.NetworkError{URL: fullURL, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &apierr.NetworkError{URL: fullURL, Err: err}
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return &Response{StatusCode: res.StatusCode, Body: body, Header: res.Header}, nil
	case res.StatusCode == http.StatusUnauthorized:
		return nil, &apierr.AuthenticationError{
			Broker:       c.cfg.Broker,
			Reason:       strings.TrimSpace(string(body)),
			NeedsRefresh: true,
		}
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, &apierr.RateLimitError{
			Broker:     c.cfg.Broker,
			Endpoint:   fullURL,
			RetryAfter: retryAfterDelay(res.Header, c.cfg.RetryDelay),
		}
	default:
		return nil, &apierr.APIError{
			StatusCode: res.StatusCode,
			Status:     res.Status,
			URL:        fullURL,
			Body:       string(body),
		}
	}
}

func (c *Client) authHeaders(ctx context.Context, opts RequestOptions) (map[string]string, error) {
	if c.auth == nil || opts.SkipAuth || c.cfg.Broker == "" {
		return nil, nil
	}
	headers, err := c.auth.AuthHeaders(ctx, c.cfg.Broker)
	if err != nil {
		// No token yet is not fatal; the endpoint may be public.
		if errors.Is(err, auth.ErrNoToken) || errors.Is(err, auth.ErrNoCredentials) {
			return nil, nil
		}
		return nil, err
	}
	return headers, nil
}

// Get issues a GET and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, path string, out any) (*Response, error) {
	resp, err := c.Request(ctx, path, RequestOptions{Method: http.MethodGet})
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := resp.JSON(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Post issues a POST with a JSON body and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) (*Response, error) {
	resp, err := c.Request(ctx, path, RequestOptions{Method: http.MethodPost, Body: body})
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := resp.JSON(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Circuit exposes breaker state for status reporting.
func (c *Client) Circuit() *CircuitBreaker { return c.circuit }

// nextDelay applies the backoff multiplier with a cap.
func nextDelay(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// retryAfterDelay parses Retry-After (seconds or HTTP date), falling back
// to def.
func retryAfterDelay(h http.Header, def time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return def
}
