package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultBuckets returns the bucket configuration for each built-in route class.
func DefaultBuckets() map[Scope]BucketConfig {
	return map[Scope]BucketConfig{
		ScopeAuth:      {Points: 3, Duration: 15 * time.Minute, BlockDuration: 15 * time.Minute},
		ScopeEmail:     {Points: 2, Duration: time.Hour, BlockDuration: time.Hour},
		ScopeReset:     {Points: 2, Duration: time.Hour, BlockDuration: time.Hour},
		ScopeTwoFactor: {Points: 3, Duration: 15 * time.Minute, BlockDuration: 15 * time.Minute},
		ScopeRequest:   {Points: 30, Duration: time.Minute, BlockDuration: 5 * time.Minute},
	}
}

// Registry holds one Limiter per scope over a shared Store. Build it once at
// start-up and pass it to whatever needs to consume.
type Registry struct {
	store    Store
	limiters map[Scope]*Limiter
}

// NewRegistry creates limiters for every configured scope. A nil buckets map
// uses DefaultBuckets.
func NewRegistry(store Store, buckets map[Scope]BucketConfig) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if buckets == nil {
		buckets = DefaultBuckets()
	}

	r := &Registry{
		store:    store,
		limiters: make(map[Scope]*Limiter, len(buckets)),
	}
	for scope, cfg := range buckets {
		limiter, err := NewLimiter(scope, cfg, store)
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope, err)
		}
		r.limiters[scope] = limiter
	}
	return r, nil
}

// Limiter returns the limiter for scope.
func (r *Registry) Limiter(scope Scope) (*Limiter, bool) {
	l, ok := r.limiters[scope]
	return l, ok
}

// Consume spends a point from the bucket identified by key.
func (r *Registry) Consume(ctx context.Context, key Key) (Result, error) {
	l, ok := r.limiters[key.Scope]
	if !ok {
		return Result{}, fmt.Errorf("no limiter configured for scope %q", key.Scope)
	}
	return l.Consume(ctx, key.Identity)
}

// Store returns the shared backing store.
func (r *Registry) Store() Store {
	return r.store
}

// Close releases the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}
