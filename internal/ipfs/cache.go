package ipfs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"geogenesis/sink/internal/logutils"
)

// RedisCache caches resolved payloads by content URI. Resolved CIDs are
// immutable, so the TTL only bounds memory, never correctness.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: "ipfs:",
		ttl:    ttl,
	}, nil
}

func (c *RedisCache) key(uri string) string {
	return c.prefix + uri
}

func (c *RedisCache) Get(ctx context.Context, uri string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.key(uri)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logutils.Log.Warnf("cache read for %s failed: %v", uri, err)
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Set(ctx context.Context, uri string, data []byte) {
	if err := c.client.Set(ctx, c.key(uri), data, c.ttl).Err(); err != nil {
		logutils.Log.Warnf("cache write for %s failed: %v", uri, err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
