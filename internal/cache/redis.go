package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"token-engine/internal/db"
)

// RedisClient defines the interface for Redis operations needed by the cache
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client RedisClient
	prefix string
	hits   int64
	misses int64
	errors int64
}

// NewRedisCache creates a new Redis cache instance. Keys are namespaced by
// prefix so several deployments can share a database.
func NewRedisCache(client RedisClient, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisCache) key(kind, id string) string {
	return c.prefix + kind + ":" + id
}

func (c *RedisCache) getJSON(ctx context.Context, key, what string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&c.misses, 1)
		return ErrCacheMiss
	}
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to get " + what + " from cache", Err: err}
	}

	if err := json.Unmarshal(data, dest); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to unmarshal " + what, Err: err}
	}

	atomic.AddInt64(&c.hits, 1)
	return nil
}

func (c *RedisCache) setJSON(ctx context.Context, key, what string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to marshal " + what, Err: err}
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to set " + what + " in cache", Err: err}
	}
	return nil
}

func (c *RedisCache) del(ctx context.Context, key, what string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to invalidate " + what, Err: err}
	}
	return nil
}

// cachedClient carries the secret hash, which db.Client hides from JSON.
type cachedClient struct {
	*db.Client
	SecretHash string `json:"secret_hash"`
}

func (c *RedisCache) GetClient(ctx context.Context, clientID string) (*db.Client, error) {
	entry := cachedClient{Client: &db.Client{}}
	if err := c.getJSON(ctx, c.key("client", clientID), "client", &entry); err != nil {
		return nil, err
	}
	entry.Client.SecretHash = entry.SecretHash
	return entry.Client, nil
}

func (c *RedisCache) SetClient(ctx context.Context, clientID string, client *db.Client, ttl time.Duration) error {
	entry := cachedClient{Client: client, SecretHash: client.SecretHash}
	return c.setJSON(ctx, c.key("client", clientID), "client", entry, ttl)
}

func (c *RedisCache) InvalidateClient(ctx context.Context, clientID string) error {
	return c.del(ctx, c.key("client", clientID), "client")
}

func (c *RedisCache) GetScope(ctx context.Context, name string) (*db.Scope, error) {
	var scope db.Scope
	if err := c.getJSON(ctx, c.key("scope", name), "scope", &scope); err != nil {
		return nil, err
	}
	return &scope, nil
}

func (c *RedisCache) SetScope(ctx context.Context, name string, scope *db.Scope, ttl time.Duration) error {
	return c.setJSON(ctx, c.key("scope", name), "scope", scope, ttl)
}

func (c *RedisCache) InvalidateScope(ctx context.Context, name string) error {
	return c.del(ctx, c.key("scope", name), "scope")
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return &CacheError{Message: "redis ping failed", Err: err}
	}
	return nil
}

// Close closes the Redis client connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetStats returns cache performance statistics
func (c *RedisCache) GetStats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Errors: atomic.LoadInt64(&c.errors),
	}
}

// ResetStats resets cache performance statistics
func (c *RedisCache) ResetStats() {
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.errors, 0)
}
