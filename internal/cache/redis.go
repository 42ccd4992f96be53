package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// RedisCache implements Cache on Redis. All operations degrade gracefully
// when Redis is unavailable: Get reports a miss, Set returns nil, so token
// resolution falls back to the database instead of failing requests.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCacheFromClient wraps an existing client. The caller owns the
// client lifecycle.
func NewRedisCacheFromClient(cli *redis.Client) *RedisCache {
	return &RedisCache{client: cli, queryTimeout: defaultCacheTimeout}
}

// NewRedisCacheFromURL parses redisURL, verifies the connection with a PING,
// and returns a RedisCache.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return &RedisCache{client: cli, queryTimeout: defaultCacheTimeout}, nil
}

// Get returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with the given TTL. Always returns nil; a dead
// cache must not take the gateway down with it.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
	return nil
}

// Delete removes key and returns the underlying error so callers can decide
// how to handle it.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
