// Package apierr defines the error taxonomy shared by the HTTP client,
// broker adapters and the API surface.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a non-2xx HTTP response surfaced as an error.
type APIError struct {
	StatusCode int
	Status     string
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api error %d on %s: %s", e.StatusCode, e.URL, e.Body)
	}
	return fmt.Sprintf("api error %d on %s", e.StatusCode, e.URL)
}

// NetworkError wraps a transport-level failure (DNS, refused connection,
// broken pipe). The underlying cause is preserved for errors.Is/As.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error on %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError reports a deadline exceeded before a response arrived.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s on %s", e.Timeout, e.URL)
}

// RateLimitError reports quota exhaustion, either local (admission control)
// or remote (HTTP 429). RetryAfter is the earliest sensible retry delay.
type RateLimitError struct {
	Broker     string
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %s, retry after %s", e.Broker, e.Endpoint, e.RetryAfter)
}

// AuthenticationError reports a 401 or a credential failure. NeedsRefresh
// signals that a token refresh may still rescue the session.
type AuthenticationError struct {
	Broker       string
	Reason       string
	NeedsRefresh bool
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Broker, e.Reason)
}

// ValidationError is raised before any network call for malformed input.
type ValidationError struct {
	Broker string
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("validation failed for %s", e.Broker)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Broker, e.Errors[0])
}

// ErrCircuitOpen is returned without any network attempt while a circuit
// breaker is open. Callers see it wrapped in an APIError with a 503 status.
var ErrCircuitOpen = errors.New("circuit breaker open")

// IsRetryable reports whether a request that produced err may be retried.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var netErr *NetworkError
	var toErr *TimeoutError
	return errors.As(err, &netErr) || errors.As(err, &toErr)
}
