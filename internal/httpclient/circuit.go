package httpclient

import (
	"net/url"
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one endpoint key.
type circuitState struct {
	failures    int
	lastFailure time.Time
	open        bool
}

// CircuitBreaker fails fast on endpoints that keep erroring. State is shared
// across all calls through the owning client instance; callers that need
// isolation construct separate clients.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	states    map[string]*circuitState
	now       func() time.Time
}

// NewCircuitBreaker builds a breaker that opens after threshold consecutive
// failures and allows a probe once cooldown has elapsed.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		states:    make(map[string]*circuitState),
		now:       time.Now,
	}
}

// Allow reports whether a request for key may proceed. An open circuit
// closes again on the first check after the cooldown window elapses.
func (cb *CircuitBreaker) Allow(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st, ok := cb.states[key]
	if !ok || !st.open {
		return true
	}
	if cb.now().Sub(st.lastFailure) >= cb.cooldown {
		st.open = false
		st.failures = 0
		return true
	}
	return false
}

// RecordFailure counts a failure, opening the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st, ok := cb.states[key]
	if !ok {
		st = &circuitState{}
		cb.states[key] = st
	}
	st.failures++
	st.lastFailure = cb.now()
	if st.failures >= cb.threshold {
		st.open = true
	}
}

// RecordSuccess resets the failure count for key.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.states, key)
}

// IsOpen reports whether the circuit for key is currently open, without the
// cooldown side effect of Allow.
func (cb *CircuitBreaker) IsOpen(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st, ok := cb.states[key]
	return ok && st.open && cb.now().Sub(st.lastFailure) < cb.cooldown
}

// circuitKey derives the breaker key from a URL: path plus query, so the
// same endpoint hit with different hosts still shares fate per client.
func circuitKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}
