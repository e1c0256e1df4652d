package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper marks queries as seen so duplicate lookups are skipped.
type Deduper interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Close() error
}

// RedisDeduper implements Deduper on a Redis SETNX with TTL.
type RedisDeduper struct {
	client *redis.Client
}

// NewRedisDeduper initializes a Redis-backed Deduper.
func NewRedisDeduper(addr string) *RedisDeduper {
	return &RedisDeduper{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// SetNX sets key to value with the given TTL if it does not exist.
// Returns true if the key was set (first sighting).
func (s *RedisDeduper) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisDeduper) Close() error {
	return s.client.Close()
}
