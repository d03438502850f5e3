package bulk

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyCache records (index, document_id) pairs that have already
// been acknowledged as a successful create. The sink only writes to it
// (MarkSeen); it never calls WasSeen, so a retried create is still
// classified from the cluster's own version-conflict response. It is
// disabled when no cache is configured.
type IdempotencyCache interface {
	MarkSeen(ctx context.Context, index, documentID string) error
	WasSeen(ctx context.Context, index, documentID string) (bool, error)
	Close() error
}

// NoopIdempotencyCache is used when no cache backend is configured.
type NoopIdempotencyCache struct{}

func (NoopIdempotencyCache) MarkSeen(context.Context, string, string) error      { return nil }
func (NoopIdempotencyCache) WasSeen(context.Context, string, string) (bool, error) { return false, nil }
func (NoopIdempotencyCache) Close() error                                       { return nil }

// RedisIdempotencyCache backs the cache with a Redis SET, keyed by
// "<index>/<documentID>", with a TTL matching the window the operator
// expects retries to still be in flight.
type RedisIdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyCache(addr string, ttl time.Duration) *RedisIdempotencyCache {
	return &RedisIdempotencyCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func cacheKey(index, documentID string) string {
	return index + "/" + documentID
}

func (c *RedisIdempotencyCache) MarkSeen(ctx context.Context, index, documentID string) error {
	return c.client.Set(ctx, cacheKey(index, documentID), "1", c.ttl).Err()
}

func (c *RedisIdempotencyCache) WasSeen(ctx context.Context, index, documentID string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheKey(index, documentID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisIdempotencyCache) Close() error {
	return c.client.Close()
}
