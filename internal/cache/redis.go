// Package cache keeps on-the-fly content conversions in Redis so repeated
// reads of an absent format slot do not re-run the converter.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = time.Hour

// RedisCache stores converted text under keys derived from the section, the
// fingerprint of the source text and the target format. A content change
// alters the fingerprint, so stale entries are never served even before
// Invalidate removes them.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: "conv:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(sectionID, fingerprint, format string) string {
	return c.prefix + sectionID + ":" + fingerprint + ":" + format
}

// Get returns the cached conversion, reporting false on a miss.
func (c *RedisCache) Get(ctx context.Context, sectionID, fingerprint, format string) (string, bool, error) {
	text, err := c.client.Get(ctx, c.key(sectionID, fingerprint, format)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get conversion: %w", err)
	}
	return text, true, nil
}

func (c *RedisCache) Set(ctx context.Context, sectionID, fingerprint, format, text string) error {
	if err := c.client.Set(ctx, c.key(sectionID, fingerprint, format), text, c.ttl).Err(); err != nil {
		return fmt.Errorf("set conversion: %w", err)
	}
	return nil
}

// Invalidate drops every cached conversion of a section.
func (c *RedisCache) Invalidate(ctx context.Context, sectionID string) error {
	iter := c.client.Scan(ctx, 0, c.prefix+sectionID+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan conversions: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate conversions: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
