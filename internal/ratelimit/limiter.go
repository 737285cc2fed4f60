// Package ratelimit provides per-broker admission control combining token
// buckets for burst smoothing with minute and hour sliding-window quotas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"broker-core/internal/apierr"
)

// Config holds the per-broker quota knobs. A zero field disables that gate.
type Config struct {
	RequestsPerSecond int           `yaml:"requests_per_second"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RequestsPerHour   int           `yaml:"requests_per_hour"`
	BurstCapacity     int           `yaml:"burst_capacity"`
	RetryAfter        time.Duration `yaml:"retry_after"`
}

// DefaultConfig returns conservative defaults suitable for a local backend.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		RequestsPerMinute: 300,
		RequestsPerHour:   5000,
		BurstCapacity:     20,
		RetryAfter:        time.Second,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type brokerState struct {
	cfg     Config
	buckets map[string]*tokenBucket // keyed by endpoint
	minute  *slidingWindow
	hour    *slidingWindow
}

// Limiter admits requests per broker and endpoint. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	brokers map[string]*brokerState
	now     func() time.Time // test hook
}

// New creates a Limiter with no brokers configured; brokers fall back to
// DefaultConfig on first use.
func New() *Limiter {
	return &Limiter{
		brokers: make(map[string]*brokerState),
		now:     time.Now,
	}
}

func (l *Limiter) state(broker string) *brokerState {
	st, ok := l.brokers[broker]
	if !ok {
		st = &brokerState{
			cfg:     DefaultConfig(),
			buckets: make(map[string]*tokenBucket),
			minute:  newSlidingWindow(time.Minute),
			hour:    newSlidingWindow(time.Hour),
		}
		l.brokers[broker] = st
	}
	return st
}

func (st *brokerState) bucket(endpoint string, now time.Time) *tokenBucket {
	b, ok := st.buckets[endpoint]
	if !ok {
		b = newTokenBucket(float64(st.cfg.BurstCapacity), float64(st.cfg.RequestsPerSecond), now)
		st.buckets[endpoint] = b
	}
	return b
}

// SetConfig installs (or replaces) a broker's quota configuration. Replacing
// resets all of the broker's buckets and windows.
func (l *Limiter) SetConfig(broker string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.brokers[broker] = &brokerState{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		minute:  newSlidingWindow(time.Minute),
		hour:    newSlidingWindow(time.Hour),
	}
}

// Reset clears all buckets and windows for a broker. In-flight decisions
// already made are unaffected.
func (l *Limiter) Reset(broker string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.brokers[broker]; ok {
		st.buckets = make(map[string]*tokenBucket)
		st.minute = newSlidingWindow(time.Minute)
		st.hour = newSlidingWindow(time.Hour)
	}
}

// CheckLimit runs the three admission gates: endpoint token bucket, minute
// window, hour window. All must pass. When a later gate rejects, tokens and
// window entries consumed by earlier gates are credited back so a rejected
// call never burns quota.
func (l *Limiter) CheckLimit(broker, endpoint string, weight int) Decision {
	if weight <= 0 {
		weight = WeightFor(endpoint)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(broker)

	// Gate 1: token bucket. Skipped entirely when the burst knobs are
	// unset, so a minute- or hour-only config still admits traffic.
	var b *tokenBucket
	if st.cfg.RequestsPerSecond > 0 && st.cfg.BurstCapacity > 0 {
		b = st.bucket(endpoint, now)
		if !b.take(float64(weight), now) {
			wait := b.timeUntil(float64(weight), now)
			return Decision{
				Allowed:    false,
				Remaining:  int(b.available(now)),
				ResetAt:    now.Add(wait),
				RetryAfter: maxDuration(wait, st.cfg.RetryAfter),
			}
		}
	}

	// Gate 2: minute window.
	if st.cfg.RequestsPerMinute > 0 && st.minute.total(now)+weight > st.cfg.RequestsPerMinute {
		if b != nil {
			b.credit(float64(weight))
		}
		return l.rejectForWindow(st, st.minute, now)
	}
	st.minute.add(endpoint, weight, now)

	// Gate 3: hour window.
	if st.cfg.RequestsPerHour > 0 && st.hour.total(now)+weight > st.cfg.RequestsPerHour {
		if b != nil {
			b.credit(float64(weight))
		}
		st.minute.remove(endpoint, weight)
		return l.rejectForWindow(st, st.hour, now)
	}
	st.hour.add(endpoint, weight, now)

	remaining := st.cfg.RequestsPerMinute - st.minute.total(now)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   now.Add(time.Minute),
	}
}

func (l *Limiter) rejectForWindow(st *brokerState, w *slidingWindow, now time.Time) Decision {
	retry := st.cfg.RetryAfter
	if oldest, ok := w.oldest(now); ok {
		if until := oldest.Add(w.size).Sub(now); until > retry {
			retry = until
		}
	}
	return Decision{
		Allowed:    false,
		ResetAt:    now.Add(retry),
		RetryAfter: retry,
	}
}

// WaitForLimit blocks until the request is admitted or ctx is done. The
// caller bounds total wait time through the context deadline.
func (l *Limiter) WaitForLimit(ctx context.Context, broker, endpoint string, weight int) error {
	for {
		d := l.CheckLimit(broker, endpoint, weight)
		if d.Allowed {
			return nil
		}
		wait := d.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &apierr.RateLimitError{Broker: broker, Endpoint: endpoint, RetryAfter: d.RetryAfter}
		case <-timer.C:
		}
	}
}

// Do admits the request within maxWait and then runs fn. Exceeding maxWait
// fails with a RateLimitError wrapping the remaining delay.
func (l *Limiter) Do(ctx context.Context, broker, endpoint string, weight int, maxWait time.Duration, fn func(context.Context) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	if err := l.WaitForLimit(waitCtx, broker, endpoint, weight); err != nil {
		return fmt.Errorf("rate limit wait exceeded %s: %w", maxWait, err)
	}
	return fn(ctx)
}

// Usage reports the weighted request count currently inside the broker's
// minute window, for status endpoints.
func (l *Limiter) Usage(broker string) (used, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(broker)
	return st.minute.total(l.now()), st.cfg.RequestsPerMinute
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
