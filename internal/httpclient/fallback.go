package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"broker-core/pkg/mockdata"
)

// FallbackConfig tunes backend probing and mock substitution.
type FallbackConfig struct {
	HealthPath    string
	HealthTimeout time.Duration
	ProbeInterval time.Duration // health result cache window
	MockDelay     time.Duration // simulated latency for mock responses
	MockEnabled   bool
}

// DefaultFallbackConfig returns the fallback defaults.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		HealthPath:    "/health",
		HealthTimeout: 2 * time.Second,
		ProbeInterval: 15 * time.Second,
		MockDelay:     150 * time.Millisecond,
		MockEnabled:   true,
	}
}

// BackendStatus is the last known reachability of the backend. Callers that
// must not be fooled by mock data check this explicitly.
type BackendStatus struct {
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

// FallbackClient wraps a Client with backend-availability probing and mock
// substitution so the UI never blocks on a dead backend. Every synthesized
// response carries Mock=true; downstream consumers cannot miss it.
type FallbackClient struct {
	client *Client
	cfg    FallbackConfig
	mock   *mockdata.Generator

	mu     sync.Mutex
	status BackendStatus
	probed bool
}

// NewFallback wraps client with mock fallback behavior.
func NewFallback(client *Client, cfg FallbackConfig) *FallbackClient {
	return &FallbackClient{
		client: client,
		cfg:    cfg,
		mock:   mockdata.New(),
	}
}

// Request probes (with caching) before delegating. An unreachable backend
// short-circuits to mock; a reachable backend that still fails the real
// request falls back to mock only when mock substitution is enabled.
func (f *FallbackClient) Request(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	if f.backendAvailable(ctx) {
		resp, err := f.client.Request(ctx, path, opts)
		if err == nil {
			return resp, nil
		}
		if !f.cfg.MockEnabled {
			return nil, err
		}
		log.Printf("fallback: real request %s failed, serving mock: %v", path, err)
		return f.mockResponse(ctx, path)
	}

	if !f.cfg.MockEnabled {
		return nil, fmt.Errorf("backend unavailable and mock fallback disabled: %s", path)
	}
	return f.mockResponse(ctx, path)
}

// Get issues a GET through the fallback pipeline and decodes into out.
func (f *FallbackClient) Get(ctx context.Context, path string, out any) (*Response, error) {
	resp, err := f.Request(ctx, path, RequestOptions{Method: http.MethodGet})
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

// BackendStatus returns the cached reachability, probing first if the cache
// is stale or empty.
func (f *FallbackClient) BackendStatus(ctx context.Context) BackendStatus {
	f.backendAvailable(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// backendAvailable returns the cached probe result, refreshing it when the
// cache window has passed.
func (f *FallbackClient) backendAvailable(ctx context.Context) bool {
	f.mu.Lock()
	if f.probed && time.Since(f.status.CheckedAt) < f.cfg.ProbeInterval {
		ok := f.status.Available
		f.mu.Unlock()
		return ok
	}
	f.mu.Unlock()

	status := f.probe(ctx)

	f.mu.Lock()
	f.status = status
	f.probed = true
	f.mu.Unlock()
	return status.Available
}

// probe is a single short-timeout health check, deliberately outside the
// retry pipeline so a dead backend is detected fast.
func (f *FallbackClient) probe(ctx context.Context) BackendStatus {
	status := BackendStatus{CheckedAt: time.Now()}

	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, f.client.cfg.BaseURL+f.cfg.HealthPath, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	res, err := f.client.httpc.Do(req)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	res.Body.Close()
	if res.StatusCode >= 500 {
		status.Error = res.Status
		return status
	}
	status.Available = true
	return status
}

func (f *FallbackClient) mockResponse(ctx context.Context, path string) (*Response, error) {
	if f.cfg.MockDelay > 0 {
		if err := sleepCtx(ctx, f.cfg.MockDelay); err != nil {
			return nil, err
		}
	}

	payload, _ := f.mock.ForEndpoint(path)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal mock payload: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("X-Mock-Data", "true")
	return &Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Header:     header,
		Mock:       true,
		Duration:   f.cfg.MockDelay,
	}, nil
}
