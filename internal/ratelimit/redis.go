package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter implements distributed rate limiting using Redis
// Uses sliding window algorithm with sorted sets
type RedisRateLimiter struct {
	client *redis.Client
	config *Config
	now    func() time.Time
}

// NewRedisRateLimiter creates a new Redis-based rate limiter
func NewRedisRateLimiter(client *redis.Client, config *Config) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request should be allowed using sliding window algorithm
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)

	pipe := r.client.Pipeline()

	redisKey := fmt.Sprintf("ratelimit:%s", key)

	// 1. Remove old entries outside the sliding window
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))

	// 2. Count current requests in window
	countCmd := pipe.ZCard(ctx, redisKey)

	// 3. Add current request with timestamp as score and member
	requestID := fmt.Sprintf("%d", now.UnixNano())
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: requestID,
	})

	// 4. Set expiration on the key (2x window for cleanup)
	pipe.Expire(ctx, redisKey, r.config.Window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	// count excludes the request just added
	count := int(countCmd.Val())
	resetTime := now.Add(r.config.Window)

	if count >= r.config.MaxRequests {
		return &RateLimitResult{
			Allowed:   false,
			Limit:     r.config.MaxRequests,
			Remaining: 0,
			ResetTime: resetTime,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.MaxRequests,
		Remaining: r.config.MaxRequests - count - 1,
		ResetTime: resetTime,
	}, nil
}

// Close closes the Redis connection
func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}

// RedisPollLimiter shares device polling state across instances. A poll
// claims a key that lives for one interval; a poll that finds the key
// still present came too early.
type RedisPollLimiter struct {
	client *redis.Client
}

func NewRedisPollLimiter(client *redis.Client) *RedisPollLimiter {
	return &RedisPollLimiter{client: client}
}

// Close is a no-op; the client belongs to the caller.
func (p *RedisPollLimiter) Close() error { return nil }

func (p *RedisPollLimiter) Poll(ctx context.Context, key string, interval time.Duration) (bool, error) {
	claimed, err := p.client.SetNX(ctx, "devicepoll:"+key, 1, interval).Result()
	if err != nil {
		return false, fmt.Errorf("redis poll check failed: %w", err)
	}
	return claimed, nil
}
