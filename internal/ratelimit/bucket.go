package ratelimit

import (
	"time"
)

// tokenBucket provides burst control for a single (broker, endpoint) pair.
// Tokens refill continuously at refillRate per second, capped at capacity.
// Not safe for concurrent use; the owning Limiter serializes access.
type tokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity, refillRate float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// refill credits tokens for the elapsed interval, capped at capacity.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// take consumes weight tokens if available and reports success.
func (b *tokenBucket) take(weight float64, now time.Time) bool {
	b.refill(now)
	if b.tokens < weight {
		return false
	}
	b.tokens -= weight
	return true
}

// credit returns previously taken tokens, e.g. after a later gate rejected
// the request. Never exceeds capacity.
func (b *tokenBucket) credit(weight float64) {
	b.tokens += weight
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// available reports current tokens after refill.
func (b *tokenBucket) available(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

// timeUntil reports how long until weight tokens will be available.
func (b *tokenBucket) timeUntil(weight float64, now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= weight {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Hour
	}
	missing := weight - b.tokens
	return time.Duration(missing / b.refillRate * float64(time.Second))
}
