package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFingerprint_StableAcrossFieldOrder(t *testing.T) {
	type req struct {
		Model string
		Extra map[string]string
	}
	a := Fingerprint("m1", "p1", req{Model: "gpt-4o", Extra: map[string]string{"b": "2", "a": "1"}})
	b := Fingerprint("m1", "p1", req{Model: "gpt-4o", Extra: map[string]string{"a": "1", "b": "2"}})
	if a != b {
		t.Errorf("expected map-key order to not affect fingerprint, got %q != %q", a, b)
	}
}

func TestFingerprint_DiffersOnContent(t *testing.T) {
	a := Fingerprint("m1", "hello")
	b := Fingerprint("m1", "goodbye")
	if a == b {
		t.Error("expected different content to produce different fingerprints")
	}
}

func TestPopulate_MissComputesAndWritesBack(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	t.Cleanup(c.Close)

	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	data, err := Populate(ctx, c, "k1", time.Minute, 0, compute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "computed" {
		t.Errorf("unexpected data: %q", data)
	}

	// Give the fire-and-forget write a moment to land, then expect a hit
	// without calling compute again.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get(ctx, "k1"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := Populate(ctx, c, "k1", time.Minute, 0, compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected compute to run once with a warm cache, ran %d times", calls)
	}
}

func TestPopulate_MaxAgeForcesRecompute(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	t.Cleanup(c.Close)

	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	if _, err := Populate(ctx, c, "k2", time.Minute, time.Millisecond, compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := Populate(ctx, c, "k2", time.Minute, time.Millisecond, compute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected max_age to force a second compute, got %d calls", calls)
	}
}

func TestPopulate_ComputeErrorPropagates(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	t.Cleanup(c.Close)

	wantErr := errors.New("upstream failed")
	_, err := Populate(ctx, c, "k3", time.Minute, 0, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected compute error to propagate, got %v", err)
	}
}
