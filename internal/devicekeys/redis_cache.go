package devicekeys

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs SharedCache with Redis so pods in a multi-instance
// deployment share one key cache instead of each hammering the identity
// service after a cold start.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache wraps an existing Redis client. keyPrefix namespaces the
// cache entries, e.g. "ingestion:devicekeys:".
func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "ingestion:devicekeys:"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCache) Get(ctx context.Context, kid string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.keyPrefix+kid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (c *RedisCache) Set(ctx context.Context, kid string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.keyPrefix+kid, payload, ttl).Err()
}

var _ SharedCache = (*RedisCache)(nil)
