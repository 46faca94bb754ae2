package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnknownStoreKind is returned by NewStore for an unsupported StoreKind.
var ErrUnknownStoreKind = errors.New("unknown rate limit store kind")

// Store is the shared key-value store that holds bucket counters.
// Implementations must make Increment an atomic increment-and-read.
type Store interface {
	// Get returns the counter value and its remaining TTL. found is false when
	// the key does not exist or has expired.
	Get(ctx context.Context, key string) (value int64, ttl time.Duration, found bool, err error)

	// SetWithExpiry overwrites the counter and its TTL.
	SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error

	// Increment atomically adds one to the counter and returns the new value
	// with the remaining TTL. The TTL is applied only when the key is created.
	Increment(ctx context.Context, key string, ttl time.Duration) (value int64, remaining time.Duration, err error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// StoreKind selects the backing store built by NewStore.
type StoreKind string

const (
	// StoreMemory keeps buckets in process. Suitable for single instances and tests.
	StoreMemory StoreKind = "memory"
	// StoreRedis keeps buckets in a shared Redis instance, degrading to an
	// in-process store when Redis is unreachable.
	StoreRedis StoreKind = "redis"
)

func (k StoreKind) String() string {
	return string(k)
}

// ParseStoreKind maps a configuration string to a StoreKind.
func ParseStoreKind(s string) (StoreKind, error) {
	switch StoreKind(s) {
	case StoreMemory, "":
		return StoreMemory, nil
	case StoreRedis:
		return StoreRedis, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStoreKind, s)
	}
}

// StoreOptions configures NewStore.
type StoreOptions struct {
	// RedisURL is required for StoreRedis, e.g. redis://localhost:6379/0
	RedisURL      string
	RedisPoolSize int

	// FallbackCooldown is how long the redis store stays bypassed after a failure.
	FallbackCooldown time.Duration

	// Clock overrides time.Now for the in-process store.
	Clock func() time.Time
}

// NewStore builds the store for kind. A redis store is always wrapped in a
// FallbackStore backed by a MemoryStore.
func NewStore(kind StoreKind, opts StoreOptions) (Store, error) {
	var memOpts []MemoryOption
	if opts.Clock != nil {
		memOpts = append(memOpts, WithMemoryClock(opts.Clock))
	}

	switch kind {
	case StoreMemory:
		return NewMemoryStore(memOpts...), nil
	case StoreRedis:
		if opts.RedisURL == "" {
			return nil, errors.New("redis URL must be provided")
		}
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		if opts.RedisPoolSize > 0 {
			redisOpts.PoolSize = opts.RedisPoolSize
		}
		redisOpts.ReadTimeout = 2 * time.Second
		redisOpts.WriteTimeout = 2 * time.Second

		primary := NewRedisStore(redis.NewClient(redisOpts))
		return NewFallbackStore(primary, NewMemoryStore(memOpts...), opts.FallbackCooldown), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreKind, kind)
	}
}
