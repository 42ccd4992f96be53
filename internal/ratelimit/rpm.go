// Package ratelimit implements per-API-key requests-per-minute limiting
// using Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

// RPMLimiter enforces a per-key requests-per-minute ceiling with a Redis
// sliding window. A zero limit disables the limiter.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates an RPMLimiter. rpmLimit ≤ 0 disables limiting.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow reports whether the identified caller is within its limit. The id is
// the API key's hash (or "master" for the master key).
func (r *RPMLimiter) Allow(ctx context.Context, id string) (bool, error) {
	if r == nil || r.rdb == nil || r.rpmLimit <= 0 {
		return true, nil
	}
	return r.check(ctx, "ratelimit:key:"+id, r.rpmLimit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the request rather than failing closed.
		return true, nil
	}

	return result == 1, nil
}
