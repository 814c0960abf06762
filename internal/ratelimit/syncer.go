package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// flushConsumedScript folds a batch of locally-consumed slots back into the
// shared sliding-window set, keeping the shared count honest even though
// those slots were granted from the verdict cache without a round trip.
// KEYS[1] = shared key, ARGV[1] = now (ns), ARGV[2] = count to add.
var flushConsumedScript = redis.NewScript(`
		local key   = KEYS[1]
		local now   = tonumber(ARGV[1])
		local count = tonumber(ARGV[2])
		for i = 1, count do
			redis.call('ZADD', key, now, tostring(now) .. ':' .. tostring(i) .. ':' .. tostring(math.random(1, 1000000)))
		end
		return count
`)

// RunSyncer periodically flushes each cached verdict's locally-consumed
// count into the shared store and resets the counter, every interval (1s
// when interval <= 0); a model's sync_interval_ms is not read. It blocks
// until ctx is canceled.
func (l *ModelLimiter) RunSyncer(ctx context.Context, interval time.Duration) {
	if l.rdb == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flushConsumed(ctx)
		}
	}
}

func (l *ModelLimiter) flushConsumed(ctx context.Context) {
	l.cache.mu.Lock()
	keys := make([]string, 0, len(l.cache.items))
	for k := range l.cache.items {
		keys = append(keys, k)
	}
	l.cache.mu.Unlock()

	now := time.Now().UnixNano()
	for _, key := range keys {
		v, ok := l.cache.get(key)
		if !ok {
			continue
		}
		n := v.consumed.Swap(0)
		if n <= 0 {
			continue
		}
		if err := flushConsumedScript.Run(ctx, l.rdb, []string{"ratelimit:shared:" + key}, now, n).Err(); err != nil {
			l.log.WarnContext(ctx, "ratelimit: sync flush failed", slog.String("key", key), slog.String("error", err.Error()))
			v.consumed.Add(n) // retry next tick
		}
	}
}
