package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"
)

// Fingerprint computes a content-addressed cache key from the canonicalized
// provider request. parts are marshaled as a single JSON array — encoding/
// json already sorts map keys, so any combination of structs/maps produces
// a stable key regardless of field insertion order. Floats must not appear
// in parts (format them as strings first) since JSON float rendering is not
// guaranteed stable across encodings.
func Fingerprint(parts ...any) string {
	data, _ := json.Marshal(parts)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// envelope wraps a cached value with its write time so Populate can enforce
// a caller-supplied max_age_s tighter than the entry's stored TTL.
type envelope struct {
	Data      []byte `json:"data"`
	WrittenAt int64  `json:"written_at"`
}

// Populate implements the read-through pattern shared by the embedding and
// moderation capability caches (the inference cache, C9): a read checks
// both presence and maxAge, a miss computes fresh and writes back
// fire-and-forget. Caching here is intentionally best-effort — a population
// failure is logged, never surfaced to the caller — and a best-effort
// (non-singleflight) duplicate populate under concurrent misses is
// tolerated because compute is a pure function of key.
func Populate(ctx context.Context, c Cache, key string, ttl, maxAge time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if raw, ok := c.Get(ctx, key); ok {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			if maxAge <= 0 || time.Since(time.Unix(env.WrittenAt, 0)) <= maxAge {
				return env.Data, nil
			}
		}
	}

	data, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	go populateAsync(c, key, data, ttl)
	return data, nil
}

func populateAsync(c Cache, key string, data []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(envelope{Data: data, WrittenAt: time.Now().Unix()})
	if err != nil {
		slog.Warn("cache_populate_marshal_error", slog.String("error", err.Error()))
		return
	}
	if err := c.Set(ctx, key, raw, ttl); err != nil {
		slog.WarnContext(ctx, "cache_populate_error", slog.String("key", key), slog.String("error", err.Error()))
	}
}
