package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket is a simple mutex-protected token bucket used for the Rate
// Limiter's local tier: a per-instance fast path sized for
// local_allowance × configured_rate so most requests never touch Redis.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity float64, refillPerSec float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillPerSec,
		lastRefill: time.Now(),
	}
}

// allow attempts to take one token. Returns true if one was available.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
