package usage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

func TestCheck_NilQuota_Allows(t *testing.T) {
	l, _ := newTestLimiter(t)
	if err := l.Check(context.Background(), "tenant-a", nil); err != nil {
		t.Fatalf("nil quota should always pass, got %v", err)
	}
}

func TestCheck_UnderBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	maxTokens := int64(1000)
	quota := &configplane.UsageQuota{MaxTokens: &maxTokens, WindowSecs: 3600}

	if err := l.Record(context.Background(), "tenant-a", quota, 100, 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Check(context.Background(), "tenant-a", quota); err != nil {
		t.Fatalf("expected allow under budget, got %v", err)
	}
}

func TestCheck_ExceedsTokenBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	maxTokens := int64(100)
	quota := &configplane.UsageQuota{MaxTokens: &maxTokens, WindowSecs: 3600}

	if err := l.Record(context.Background(), "tenant-a", quota, 150, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Check(context.Background(), "tenant-a", quota); err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestCheck_ExceedsCostBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	maxCost := 1.0
	quota := &configplane.UsageQuota{MaxCostUSD: &maxCost, WindowSecs: 3600}

	if err := l.Record(context.Background(), "tenant-a", quota, 0, 2.5); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Check(context.Background(), "tenant-a", quota); err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestCheck_TenantsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	maxTokens := int64(100)
	quota := &configplane.UsageQuota{MaxTokens: &maxTokens, WindowSecs: 3600}

	if err := l.Record(context.Background(), "tenant-a", quota, 500, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Check(context.Background(), "tenant-b", quota); err != nil {
		t.Fatalf("tenant-b should be unaffected by tenant-a's usage, got %v", err)
	}
}
