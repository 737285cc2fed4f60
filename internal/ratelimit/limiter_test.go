package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New()
	l.now = clock.now
	l.SetConfig("test", cfg)
	return l, clock
}

func TestTokenBucketNeverNegativeNeverOverCapacity(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTokenBucket(10, 5, clock.t)

	for i := 0; i < 50; i++ {
		b.take(3, clock.t)
		if b.tokens < 0 {
			t.Fatalf("tokens went negative: %v", b.tokens)
		}
	}

	clock.advance(time.Hour)
	if got := b.available(clock.t); got != 10 {
		t.Fatalf("available after long idle = %v, want capacity 10", got)
	}
}

func TestTokenBucketRefillRate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTokenBucket(20, 10, clock.t)

	if !b.take(20, clock.t) {
		t.Fatal("expected full burst to be admitted")
	}
	clock.advance(500 * time.Millisecond)
	// 10 tokens/s for 0.5s = 5 tokens.
	if got := b.available(clock.t); got < 4.99 || got > 5.01 {
		t.Fatalf("available after 500ms = %v, want ~5", got)
	}
}

func TestSlidingWindowCountAndExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := newSlidingWindow(time.Minute)

	for i := 0; i < 6; i++ {
		w.add("/api/positions", 1, clock.t)
		clock.advance(10 * time.Second)
	}
	// 10s spacing: the first entry is now exactly 60s old and expired.
	if got := w.total(clock.t); got != 5 {
		t.Fatalf("total = %d, want 5", got)
	}

	clock.advance(time.Minute)
	if got := w.total(clock.t); got != 0 {
		t.Fatalf("total after window elapsed = %d, want 0", got)
	}
}

func TestCheckLimitAllGates(t *testing.T) {
	l, _ := newTestLimiter(Config{
		RequestsPerSecond: 10,
		RequestsPerMinute: 5,
		RequestsPerHour:   100,
		BurstCapacity:     20,
		RetryAfter:        time.Second,
	})

	for i := 0; i < 5; i++ {
		d := l.CheckLimit("test", "/api/positions", 1)
		if !d.Allowed {
			t.Fatalf("request %d rejected, want admitted", i)
		}
	}
	d := l.CheckLimit("test", "/api/positions", 1)
	if d.Allowed {
		t.Fatal("sixth request admitted above minute quota")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

// A rejected call must not consume quota: after a rejection at the limit,
// draining the window by one slot must admit exactly one more request.
func TestRejectionDoesNotBurnQuota(t *testing.T) {
	l, clock := newTestLimiter(Config{
		RequestsPerSecond: 100,
		RequestsPerMinute: 3,
		RequestsPerHour:   100,
		BurstCapacity:     100,
		RetryAfter:        time.Second,
	})

	for i := 0; i < 3; i++ {
		if d := l.CheckLimit("test", "/api/status", 1); !d.Allowed {
			t.Fatalf("setup request %d rejected", i)
		}
		clock.advance(time.Second)
	}
	if d := l.CheckLimit("test", "/api/status", 1); d.Allowed {
		t.Fatal("request above quota admitted")
	}

	// First entry ages out; exactly one slot frees.
	clock.advance(57500 * time.Millisecond)
	if d := l.CheckLimit("test", "/api/status", 1); !d.Allowed {
		t.Fatal("freed slot not admitted; rejection burned quota")
	}
	if d := l.CheckLimit("test", "/api/status", 1); d.Allowed {
		t.Fatal("second request admitted but only one slot freed")
	}
}

func TestHourGateRollsBackMinuteEntry(t *testing.T) {
	l, _ := newTestLimiter(Config{
		RequestsPerSecond: 100,
		RequestsPerMinute: 100,
		RequestsPerHour:   2,
		BurstCapacity:     100,
		RetryAfter:        time.Second,
	})

	l.CheckLimit("test", "/api/trade", 1)
	l.CheckLimit("test", "/api/trade", 1)
	if d := l.CheckLimit("test", "/api/trade", 1); d.Allowed {
		t.Fatal("third request admitted above hour quota")
	}

	used, _ := l.Usage("test")
	if used != 2 {
		t.Fatalf("minute window usage = %d after rollback, want 2", used)
	}
}

func TestWeightLookup(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
	}{
		{"/health", 1},
		{"/api/market-data", 1},
		{"/api/historical-data", 5},
		{"/api/trade", 10},
		{"/api/orders/42/cancel", 2},
		{"/api/unknown", 1},
	}
	for _, tt := range tests {
		if got := WeightFor(tt.endpoint); got != tt.want {
			t.Errorf("WeightFor(%s) = %d, want %d", tt.endpoint, got, tt.want)
		}
	}
}

func TestDoTimesOutWhenSaturated(t *testing.T) {
	l := New()
	l.SetConfig("test", Config{
		RequestsPerSecond: 1,
		RequestsPerMinute: 1,
		RequestsPerHour:   1,
		BurstCapacity:     1,
		RetryAfter:        time.Minute,
	})

	// Saturate.
	if d := l.CheckLimit("test", "/api/trade", 1); !d.Allowed {
		t.Fatal("first request rejected")
	}

	err := l.Do(context.Background(), "test", "/api/trade", 1, 50*time.Millisecond, func(context.Context) error {
		t.Fatal("fn ran despite saturation")
		return nil
	})
	if err == nil {
		t.Fatal("Do returned nil, want timeout error")
	}
}

func TestResetClearsQuota(t *testing.T) {
	l, _ := newTestLimiter(Config{
		RequestsPerSecond: 1,
		RequestsPerMinute: 1,
		RequestsPerHour:   1,
		BurstCapacity:     1,
		RetryAfter:        time.Second,
	})

	l.CheckLimit("test", "/api/status", 1)
	if d := l.CheckLimit("test", "/api/status", 1); d.Allowed {
		t.Fatal("second request admitted before reset")
	}
	l.Reset("test")
	if d := l.CheckLimit("test", "/api/status", 1); !d.Allowed {
		t.Fatal("request rejected after reset")
	}
}

func TestMinuteOnlyConfigAdmitsRequests(t *testing.T) {
	// Burst knobs left at zero: only the minute window should gate.
	l, _ := newTestLimiter(Config{RequestsPerMinute: 3, RetryAfter: time.Second})

	for i := 0; i < 3; i++ {
		if d := l.CheckLimit("test", "/api/status", 1); !d.Allowed {
			t.Fatalf("request %d rejected with RetryAfter %s", i, d.RetryAfter)
		}
	}
	d := l.CheckLimit("test", "/api/status", 1)
	if d.Allowed {
		t.Fatal("4th request admitted past minute quota")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %s, want within the minute window", d.RetryAfter)
	}
}

func TestHourOnlyConfigAdmitsRequests(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerHour: 2, RetryAfter: time.Second})

	if d := l.CheckLimit("test", "/api/positions", 1); !d.Allowed {
		t.Fatalf("first request rejected: %+v", d)
	}
	if d := l.CheckLimit("test", "/api/positions", 1); !d.Allowed {
		t.Fatalf("second request rejected: %+v", d)
	}
	if d := l.CheckLimit("test", "/api/positions", 1); d.Allowed {
		t.Fatal("third request admitted past hour quota")
	}
}
