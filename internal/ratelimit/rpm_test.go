package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/modelriver/modelriver/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "key-a")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "key-a")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	// The (limit+1)th request must be blocked.
	allowed, err := limiter.Allow(ctx, "key-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_KeysAreIndependent(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 1)
	ctx := context.Background()

	if allowed, _ := limiter.Allow(ctx, "key-a"); !allowed {
		t.Fatal("first request for key-a blocked")
	}
	if allowed, _ := limiter.Allow(ctx, "key-a"); allowed {
		t.Fatal("key-a not limited")
	}
	if allowed, _ := limiter.Allow(ctx, "key-b"); !allowed {
		t.Error("key-b throttled by key-a's window")
	}
}

func TestRPMLimiter_ZeroLimitDisables(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 0)
	for i := 0; i < 100; i++ {
		if allowed, _ := limiter.Allow(context.Background(), "key-a"); !allowed {
			t.Fatal("disabled limiter blocked a request")
		}
	}
}

func TestRPMLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls - limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 5)

	allowed, err := limiter.Allow(context.Background(), "key-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
