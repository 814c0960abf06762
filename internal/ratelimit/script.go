package ratelimit

import "github.com/redis/go-redis/v9"

// sharedTierScript is the Rate Limiter's shared-tier Lua script: a single
// round trip that trims expired entries from a sliding-window sorted set,
// reads the count, and on admit inserts a monotonic member. Generalizes
// rpm.go's slidingWindowScript (which only returns allow/deny) to also
// return remaining and reset_at so the gateway can set X-RateLimit-* headers.
//
// KEYS[1] = Redis key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size (nanoseconds)
// ARGV[3] = limit
// Returns: {allowed (0|1), remaining, reset_at (unix seconds)}
var sharedTierScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
		local count = redis.call('ZCARD', key)
		local reset_at = math.floor((now + window) / 1000000000)

		if count >= limit then
			return {0, 0, reset_at}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, limit - count - 1, reset_at}
`)
