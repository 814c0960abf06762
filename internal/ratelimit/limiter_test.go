package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/nulpointcorp/inference-gateway/internal/credentials"
	"github.com/redis/go-redis/v9"
)

func seedModel(t *testing.T, plane *configplane.Plane, id string, raw string) {
	t.Helper()
	if err := plane.ApplyModelSet([]byte(raw)); err != nil {
		t.Fatalf("seed model %s: %v", id, err)
	}
}

func TestCheck_NoConfig_Unlimited(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	seedModel(t, plane, "m1", `{"id":"m1","routing":["p1"],"providers":{"p1":{"kind":"dummy"}}}`)

	l := NewModelLimiter(nil, plane, nil)
	for i := 0; i < 100; i++ {
		d := l.Check(context.Background(), "m1", "key-a")
		if !d.Allowed {
			t.Fatalf("expected unlimited model to always allow, denied at iteration %d", i)
		}
	}
}

func TestCheck_LocalFastPath_EnforcesLimit(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	seedModel(t, plane, "m1", `{"id":"m1","routing":["p1"],"providers":{"p1":{"kind":"dummy"}},
		"rate_limits":{"per_second":2,"algorithm":"token-bucket","local_allowance":1.0}}`)

	l := NewModelLimiter(nil, plane, nil)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Check(context.Background(), "m1", "key-a").Allowed {
			allowed++
		}
	}
	if allowed > 2 {
		t.Errorf("expected at most 2 admits from a burst-2 bucket, got %d", allowed)
	}
}

func TestCheck_SharedTier_EnforcesAcrossKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	plane := configplane.New(credentials.New(), nil)
	seedModel(t, plane, "m1", `{"id":"m1","routing":["p1"],"providers":{"p1":{"kind":"dummy"}},
		"rate_limits":{"per_minute":3,"algorithm":"sliding","local_allowance":0.0,"shared_timeout_ms":200}}`)

	l := NewModelLimiter(rdb, plane, nil)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Check(context.Background(), "m1", "key-a").Allowed {
			allowed++
		}
	}
	if allowed == 0 || allowed > 3 {
		t.Errorf("expected between 1 and 3 admits from a per_minute=3 shared limit, got %d", allowed)
	}
}

func TestInvalidateModel_ClearsCachedBucket(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	seedModel(t, plane, "m1", `{"id":"m1","routing":["p1"],"providers":{"p1":{"kind":"dummy"}},
		"rate_limits":{"per_second":1,"local_allowance":1.0}}`)

	l := NewModelLimiter(nil, plane, nil)
	l.Check(context.Background(), "m1", "key-a")
	if len(l.buckets) == 0 {
		t.Fatal("expected a bucket to have been created")
	}
	l.invalidateModel("m1")
	if len(l.buckets) != 0 {
		t.Errorf("expected invalidateModel to clear cached buckets, got %d remaining", len(l.buckets))
	}
}

func TestVerdictCache_TTLExpiry(t *testing.T) {
	c := newVerdictCache(10, 10*time.Millisecond)
	c.put("k", 5, 5, 0)
	if _, ok := c.get("k"); !ok {
		t.Fatal("expected immediate hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expected entry to have expired")
	}
}
