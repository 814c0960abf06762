package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/redis/go-redis/v9"
)

// Decision is the verdict for one rate-limit check.
type Decision struct {
	Allowed       bool
	Limit         int
	Remaining     int
	ResetAt       int64
	RetryAfterSec int
}

// ModelLimiter is the per-(model, api-key) two-tier Rate Limiter (C4): a
// local token-bucket fast path backed by a shared Redis sliding-window tier,
// with a bounded verdict cache so repeated requests from the same key avoid
// a Redis round trip until the cached remaining count is exhausted.
type ModelLimiter struct {
	rdb   *redis.Client // nil disables the shared tier entirely
	plane *configplane.Plane
	log   *slog.Logger

	cache *verdictCache

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewModelLimiter returns a ModelLimiter. rdb may be nil, in which case
// every model runs purely on its local tier.
func NewModelLimiter(rdb *redis.Client, plane *configplane.Plane, log *slog.Logger) *ModelLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &ModelLimiter{
		rdb:     rdb,
		plane:   plane,
		log:     log,
		cache:   newVerdictCache(10000, 2*time.Second),
		buckets: make(map[string]*tokenBucket),
	}
}

// effectiveLimit picks the most granular configured ceiling and its window,
// preferring per-second over per-minute over per-hour.
func effectiveLimit(cfg *configplane.RateLimitConfig) (limit int, window time.Duration) {
	switch {
	case cfg.PerSecond != nil:
		return *cfg.PerSecond, time.Second
	case cfg.PerMinute != nil:
		return *cfg.PerMinute, time.Minute
	case cfg.PerHour != nil:
		return *cfg.PerHour, time.Hour
	default:
		return 0, 0
	}
}

// Check decides whether a request for modelID from keyHash is admitted.
// Absence of rate-limit config for the model means "no limit".
func (l *ModelLimiter) Check(ctx context.Context, modelID, keyHash string) Decision {
	model, ok := l.plane.Model(modelID)
	if !ok || model.RateLimit == nil {
		return Decision{Allowed: true}
	}
	cfg := model.RateLimit
	limit, window := effectiveLimit(cfg)
	if limit <= 0 {
		return Decision{Allowed: true}
	}

	bucketKey := modelID + "|" + keyHash
	allowance := cfg.LocalAllowance
	if allowance <= 0 {
		allowance = 1.0
	}
	if allowance > 1.0 {
		allowance = 1.0
	}

	// Fast path: the local tier alone is authoritative.
	if allowance >= 1.0 || l.rdb == nil {
		b := l.bucketFor(bucketKey, cfg, limit, window, allowance)
		if b.allow() {
			return Decision{Allowed: true, Limit: limit}
		}
		return Decision{Allowed: false, Limit: limit, RetryAfterSec: retryAfterSeconds(window)}
	}

	// Two-tier path: serve from the cached shared-tier verdict while it has
	// remaining budget; fall through to a shared round trip on miss.
	if v, ok := l.cache.get(bucketKey); ok {
		if v.consumed.Add(1) <= int64(v.remaining) {
			return Decision{Allowed: true, Limit: v.limit, Remaining: v.remainingNow(), ResetAt: v.resetAt}
		}
		return Decision{Allowed: false, Limit: v.limit, ResetAt: v.resetAt, RetryAfterSec: retryAfterSeconds(window)}
	}

	timeout := time.Duration(cfg.SharedTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	sharedCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allowed, remaining, resetAt, err := l.checkShared(sharedCtx, bucketKey, limit, window)
	if err != nil {
		l.log.WarnContext(ctx, "ratelimit: shared tier unavailable, deciding locally",
			slog.String("model", modelID), slog.String("error", err.Error()))
		b := l.bucketFor(bucketKey, cfg, limit, window, allowance)
		if b.allow() {
			return Decision{Allowed: true, Limit: limit}
		}
		return Decision{Allowed: false, Limit: limit, RetryAfterSec: retryAfterSeconds(window)}
	}

	l.cache.put(bucketKey, limit, remaining, resetAt)
	if !allowed {
		return Decision{Allowed: false, Limit: limit, ResetAt: resetAt, RetryAfterSec: retryAfterSeconds(window)}
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

func (l *ModelLimiter) checkShared(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt int64, err error) {
	now := time.Now().UnixNano()
	res, err := sharedTierScript.Run(ctx, l.rdb, []string{"ratelimit:shared:" + key}, now, window.Nanoseconds(), limit).Result()
	if err != nil {
		return false, 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, 0, err
	}
	allowedN, _ := vals[0].(int64)
	remainingN, _ := vals[1].(int64)
	resetAtN, _ := vals[2].(int64)
	return allowedN == 1, int(remainingN), resetAtN, nil
}

func (l *ModelLimiter) bucketFor(key string, cfg *configplane.RateLimitConfig, limit int, window time.Duration, allowance float64) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	capacity := float64(limit) * allowance
	if cfg.Burst > 0 {
		capacity = float64(cfg.Burst) * allowance
	}
	if capacity < 1 {
		capacity = 1
	}
	refillPerSec := capacity / window.Seconds()
	b := newTokenBucket(capacity, refillPerSec)
	l.buckets[key] = b
	return b
}

func retryAfterSeconds(window time.Duration) int {
	s := int(window.Seconds())
	if s < 1 {
		s = 1
	}
	return s
}

// invalidateModel drops every cached bucket and verdict belonging to
// modelID, forcing the next Check to recompute sizing from the Config
// Plane's current snapshot. Called when a `rate_limit:config:<model>`
// update arrives (see configwatch.go).
func (l *ModelLimiter) invalidateModel(modelID string) {
	prefix := modelID + "|"
	l.mu.Lock()
	for k := range l.buckets {
		if strings.HasPrefix(k, prefix) {
			delete(l.buckets, k)
		}
	}
	l.mu.Unlock()
	l.cache.evictPrefix(prefix)
}
