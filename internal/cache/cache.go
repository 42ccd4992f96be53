// Package cache provides the byte cache backing auth-context resolution and
// other short-TTL lookups.
//
// Two backends are available:
//   - RedisCache  - shared across replicas, recommended for clusters.
//   - MemoryCache - in-process TTL cache, zero external dependencies.
//
// Both implement the Cache interface so they are interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
