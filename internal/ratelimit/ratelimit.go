// Package ratelimit throttles HTTP clients per key and spaces out device
// code polls. Both limiters have a memory and a Redis implementation.
package ratelimit

import (
	"context"
	"time"
)

// RateLimitResult feeds the X-RateLimit-* response headers.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

type RateLimiter interface {
	// Allow counts one request against key.
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Close() error
}

// PollLimiter enforces a minimum interval between device code polls.
type PollLimiter interface {
	// Poll records a poll for key and reports whether it came at least
	// interval after the previous one.
	Poll(ctx context.Context, key string, interval time.Duration) (bool, error)
	Close() error
}

// Config allows MaxRequests per Window for each key.
type Config struct {
	MaxRequests int
	Window      time.Duration
}
