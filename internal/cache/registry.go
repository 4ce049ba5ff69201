package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"token-engine/internal/db"
	"token-engine/internal/logging"
)

// CachedRegistry serves client and scope lookups from the cache and falls
// back to the store on a miss or a cache failure. Concurrent misses for the
// same client share one store read.
type CachedRegistry struct {
	store  db.ClientStore
	cache  Cache
	ttl    time.Duration
	flight singleflight.Group
}

var _ db.ClientStore = (*CachedRegistry)(nil)

func NewCachedRegistry(store db.ClientStore, cache Cache, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{store: store, cache: cache, ttl: ttl}
}

func (r *CachedRegistry) GetClientByID(ctx context.Context, clientID string) (*db.Client, error) {
	client, err := r.cache.GetClient(ctx, clientID)
	if err == nil {
		return client, nil
	}
	if !IsCacheMiss(err) {
		logging.FromContext(ctx).WarnEvent().Err(err).Str("client_id", clientID).Msg("client cache read failed")
	}

	v, err, _ := r.flight.Do("client:"+clientID, func() (interface{}, error) {
		client, err := r.store.GetClientByID(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if err := r.cache.SetClient(ctx, clientID, client, r.ttl); err != nil {
			logging.FromContext(ctx).WarnEvent().Err(err).Str("client_id", clientID).Msg("client cache write failed")
		}
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	c := *v.(*db.Client)
	return &c, nil
}

// GetScopes returns the named scopes that exist, reading only the missing
// ones from the store.
func (r *CachedRegistry) GetScopes(ctx context.Context, names []string) ([]*db.Scope, error) {
	found := make(map[string]*db.Scope, len(names))
	var missing []string
	for _, name := range names {
		scope, err := r.cache.GetScope(ctx, name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		found[name] = scope
	}

	if len(missing) > 0 {
		loaded, err := r.store.GetScopes(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, scope := range loaded {
			found[scope.Name] = scope
			if err := r.cache.SetScope(ctx, scope.Name, scope, r.ttl); err != nil {
				logging.FromContext(ctx).WarnEvent().Err(err).Str("scope", scope.Name).Msg("scope cache write failed")
			}
		}
	}

	result := make([]*db.Scope, 0, len(found))
	for _, name := range names {
		if scope, ok := found[name]; ok {
			result = append(result, scope)
		}
	}
	return result, nil
}

// InvalidateClient drops a client after an administrative change.
func (r *CachedRegistry) InvalidateClient(ctx context.Context, clientID string) error {
	return r.cache.InvalidateClient(ctx, clientID)
}

func (r *CachedRegistry) InvalidateScope(ctx context.Context, name string) error {
	return r.cache.InvalidateScope(ctx, name)
}
