// Package usage implements the Usage Limiter (C5): per-tenant cumulative
// token/cost quotas enforced against a shared Redis counter. Unlike the
// Rate Limiter there is no local fast path — every check and update goes to
// the shared store so usage stays exact across instances.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/redis/go-redis/v9"
)

// ErrQuotaExceeded is returned by Check when the tenant has exhausted its
// configured token or cost budget for the current window.
var ErrQuotaExceeded = errors.New("usage quota exceeded")

// Limiter enforces configplane.UsageQuota against Redis counters keyed
// "usage:<tenant_id>:tokens" / "usage:<tenant_id>:cost_millicents".
type Limiter struct {
	rdb *redis.Client
}

// New returns a Limiter backed by rdb. A nil rdb disables enforcement
// (Check always allows, Record is a no-op) so the gateway degrades
// gracefully when Redis is not configured.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

func tokensKey(tenantID string) string { return "usage:" + tenantID + ":tokens" }
func costKey(tenantID string) string   { return "usage:" + tenantID + ":cost_millicents" }

// Check reads the tenant's current usage against quota without modifying
// it. A nil quota means "no limit" and always passes.
func (l *Limiter) Check(ctx context.Context, tenantID string, quota *configplane.UsageQuota) error {
	if l.rdb == nil || quota == nil {
		return nil
	}
	if quota.MaxTokens != nil {
		used, err := l.rdb.Get(ctx, tokensKey(tenantID)).Int64()
		if err != nil && err != redis.Nil {
			return nil // graceful degradation: Redis unavailable, allow
		}
		if used >= *quota.MaxTokens {
			return ErrQuotaExceeded
		}
	}
	if quota.MaxCostUSD != nil {
		used, err := l.rdb.Get(ctx, costKey(tenantID)).Int64()
		if err != nil && err != redis.Nil {
			return nil
		}
		if float64(used)/100000.0 >= *quota.MaxCostUSD {
			return ErrQuotaExceeded
		}
	}
	return nil
}

// Record adds the given token count and cost (USD) to the tenant's running
// total, setting the window TTL on first write. Called after a response
// completes (including the final usage of a streamed response).
func (l *Limiter) Record(ctx context.Context, tenantID string, quota *configplane.UsageQuota, tokens int64, costUSD float64) error {
	if l.rdb == nil || quota == nil {
		return nil
	}
	window := time.Duration(quota.WindowSecs) * time.Second
	if window <= 0 {
		window = 24 * time.Hour
	}

	pipe := l.rdb.TxPipeline()
	pipe.IncrBy(ctx, tokensKey(tenantID), tokens)
	pipe.IncrBy(ctx, costKey(tenantID), int64(costUSD*100000.0))
	pipe.Expire(ctx, tokensKey(tenantID), window)
	pipe.Expire(ctx, costKey(tenantID), window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: record: %w", err)
	}
	return nil
}
