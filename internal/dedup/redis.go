package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares dedup state between instances. SET NX PX gives the
// get-or-create in one round trip and Redis expires keys on its own.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a connected client. prefix namespaces the keys.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// ShouldSuppress implements Store.
func (s *RedisStore) ShouldSuppress(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	created, err := s.client.SetNX(ctx, s.prefix+"dedup:"+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup setnx: %w", err)
	}
	return !created, nil
}

var _ Store = (*RedisStore)(nil)
