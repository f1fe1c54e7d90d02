// Package cache fronts the flight store with a Redis read-through cache so
// route lookups do not hit PostgreSQL on every request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache defines the raw byte operations.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisCache implements Cache on a shared Redis client.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a client; all keys get the prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) prefixKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", c.prefix, key)
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefixKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.client.Exists(ctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists error: %w", err)
	}
	return count > 0, nil
}

// Manager layers JSON marshalling over a Cache.
type Manager struct {
	cache Cache
}

// NewManager wraps a cache.
func NewManager(cache Cache) *Manager {
	return &Manager{cache: cache}
}

// GetJSON retrieves and unmarshals a cached value.
func (m *Manager) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := m.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON marshals and stores a value.
func (m *Manager) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal error: %w", err)
	}
	return m.cache.Set(ctx, key, data, ttl)
}

// Delete removes a key.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.cache.Delete(ctx, key)
}

// TTL policies. Search results go stale fast; price history is stable.
const (
	SearchTTL  = 5 * time.Minute
	HistoryTTL = 1 * time.Hour
)

// SearchResultsKey caches the merged crawl output for one route and day.
func SearchResultsKey(origin, destination, date, cabin string) string {
	return fmt.Sprintf("search:%s:%s:%s:%s", origin, destination, date, cabin)
}

// PriceHistoryKey caches the aggregated per-day fares for a route.
func PriceHistoryKey(origin, destination string, days int) string {
	return fmt.Sprintf("price_history:%s:%s:%d", origin, destination, days)
}
