// Package ratelimit implements a leaky-bucket limiter with a hard block.
//
// Each bucket is a single counter in a Store. The first consumption in a
// window creates the counter with a TTL equal to the window; every call
// increments it atomically. The call that pushes the counter past the
// configured points rewrites its TTL to the block duration, so the bucket
// stays exhausted until the block lapses and then starts a fresh window.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// Scope names a protected route class.
type Scope string

const (
	ScopeAuth      Scope = "auth"
	ScopeEmail     Scope = "email"
	ScopeReset     Scope = "reset"
	ScopeTwoFactor Scope = "2fa"
	ScopeRequest   Scope = "request" // per-IP ceiling on every auth route
)

func (s Scope) String() string {
	return string(s)
}

// Key identifies one bucket.
type Key struct {
	Scope    Scope
	Identity string
}

// String renders the store key, e.g. rl_auth:203.0.113.7
func (k Key) String() string {
	return "rl_" + string(k.Scope) + ":" + k.Identity
}

// BucketConfig is the fixed configuration for one route class.
type BucketConfig struct {
	Points        int           `json:"points" validate:"gt=0"`
	Duration      time.Duration `json:"duration" validate:"gt=0"`
	BlockDuration time.Duration `json:"block_duration" validate:"gt=0"`
}

// Validate checks that every field is positive.
func (c BucketConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid bucket config: %w", err)
	}
	return nil
}

var validate = validator.New()

// Result is the outcome of one consumption.
type Result struct {
	Success    bool `json:"success"`
	Limit      int  `json:"limit"`
	Remaining  int  `json:"remaining"`
	RetryAfter int  `json:"retry_after,omitempty"` // seconds, only set on failure
}

// Limiter applies one BucketConfig to many identities.
type Limiter struct {
	scope  Scope
	config BucketConfig
	store  Store
}

// NewLimiter creates a limiter for scope.
func NewLimiter(scope Scope, config BucketConfig, store Store) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{scope: scope, config: config, store: store}, nil
}

// Scope returns the route class this limiter protects.
func (l *Limiter) Scope() Scope {
	return l.scope
}

// Config returns the bucket configuration.
func (l *Limiter) Config() BucketConfig {
	return l.config
}

func (l *Limiter) key(identity string) string {
	return Key{Scope: l.scope, Identity: identity}.String()
}

// Consume spends one point from identity's bucket. Every call counts as an
// attempt, including calls made while the bucket is blocked. An error means
// the store could not be reached at all; callers must deny the request.
func (l *Limiter) Consume(ctx context.Context, identity string) (Result, error) {
	key := l.key(identity)
	points := int64(l.config.Points)

	consumed, ttl, err := l.store.Increment(ctx, key, l.config.Duration)
	if err != nil {
		return Result{}, fmt.Errorf("consume %s: %w", key, err)
	}

	switch {
	case consumed <= points:
		return Result{
			Success:   true,
			Limit:     l.config.Points,
			Remaining: int(points - consumed),
		}, nil

	case consumed == points+1:
		// First call over the ceiling starts the block.
		if err := l.store.SetWithExpiry(ctx, key, consumed, l.config.BlockDuration); err != nil {
			return Result{}, fmt.Errorf("block %s: %w", key, err)
		}
		return l.blocked(l.config.BlockDuration), nil

	default:
		return l.blocked(ttl), nil
	}
}

// Peek reports the current state of identity's bucket without consuming.
func (l *Limiter) Peek(ctx context.Context, identity string) (Result, error) {
	key := l.key(identity)
	consumed, ttl, found, err := l.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("peek %s: %w", key, err)
	}
	if !found {
		return Result{Success: true, Limit: l.config.Points, Remaining: l.config.Points}, nil
	}
	if consumed > int64(l.config.Points) {
		return l.blocked(ttl), nil
	}
	return Result{
		Success:   true,
		Limit:     l.config.Points,
		Remaining: l.config.Points - int(consumed),
	}, nil
}

// Reset drops identity's bucket, lifting any block.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	key := l.key(identity)
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}

func (l *Limiter) blocked(remaining time.Duration) Result {
	return Result{
		Success:    false,
		Limit:      l.config.Points,
		Remaining:  0,
		RetryAfter: retryAfterSeconds(remaining),
	}
}

// retryAfterSeconds rounds up so clients never retry early. A blocked bucket
// always reports at least one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
