package cache

import (
	"context"
	"errors"
	"time"

	"token-engine/internal/db"
)

// Cache holds read-mostly registry rows. Tokens and authorizations are never
// cached: a stale Valid status after redemption would defeat single use.
type Cache interface {
	GetClient(ctx context.Context, clientID string) (*db.Client, error)
	SetClient(ctx context.Context, clientID string, client *db.Client, ttl time.Duration) error
	InvalidateClient(ctx context.Context, clientID string) error

	GetScope(ctx context.Context, name string) (*db.Scope, error)
	SetScope(ctx context.Context, name string, scope *db.Scope, ttl time.Duration) error
	InvalidateScope(ctx context.Context, name string) error

	Ping(ctx context.Context) error
	Close() error
	GetStats() CacheStats
}

// CacheStats holds cache performance metrics
type CacheStats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// ErrCacheMiss is returned when a key is not found in the cache
var ErrCacheMiss = &CacheError{Message: "cache miss"}

// CacheError represents a cache-specific error
type CacheError struct {
	Message string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// IsCacheMiss returns true if the error is a cache miss
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
