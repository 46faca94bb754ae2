package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const defaultFallbackCooldown = 30 * time.Second

// FallbackStore routes calls to a primary store and degrades to an in-process
// fallback whenever the primary fails. While degraded, the primary is skipped
// until the cooldown elapses. Counters held by the two stores are independent.
type FallbackStore struct {
	primary  Store
	fallback Store
	cooldown time.Duration

	mu            sync.Mutex
	degradedUntil time.Time
	now           func() time.Time
}

// NewFallbackStore wraps primary with fallback. A zero cooldown uses 30s.
func NewFallbackStore(primary, fallback Store, cooldown time.Duration) *FallbackStore {
	if cooldown <= 0 {
		cooldown = defaultFallbackCooldown
	}
	return &FallbackStore{
		primary:  primary,
		fallback: fallback,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (s *FallbackStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.degradedUntil)
}

func (s *FallbackStore) usePrimary() bool {
	return !s.Degraded()
}

func (s *FallbackStore) degrade(op string, err error) {
	s.mu.Lock()
	s.degradedUntil = s.now().Add(s.cooldown)
	s.mu.Unlock()

	slog.Warn("Rate limit store unavailable, using in-process fallback",
		"op", op,
		"cooldown", s.cooldown,
		"error", err)
}

// primaryFailed reports whether err should trigger degradation. Context
// cancellation belongs to the caller, not the store.
func primaryFailed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *FallbackStore) Get(ctx context.Context, key string) (int64, time.Duration, bool, error) {
	if s.usePrimary() {
		value, ttl, found, err := s.primary.Get(ctx, key)
		if !primaryFailed(err) {
			return value, ttl, found, err
		}
		s.degrade("get", err)
	}
	return s.fallback.Get(ctx, key)
}

func (s *FallbackStore) SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if s.usePrimary() {
		err := s.primary.SetWithExpiry(ctx, key, value, ttl)
		if !primaryFailed(err) {
			return err
		}
		s.degrade("set", err)
	}
	return s.fallback.SetWithExpiry(ctx, key, value, ttl)
}

func (s *FallbackStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if s.usePrimary() {
		value, remaining, err := s.primary.Increment(ctx, key, ttl)
		if !primaryFailed(err) {
			return value, remaining, err
		}
		s.degrade("increment", err)
	}
	return s.fallback.Increment(ctx, key, ttl)
}

func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	if s.usePrimary() {
		err := s.primary.Delete(ctx, key)
		if !primaryFailed(err) {
			return err
		}
		s.degrade("delete", err)
	}
	return s.fallback.Delete(ctx, key)
}

func (s *FallbackStore) Close() error {
	return errors.Join(s.primary.Close(), s.fallback.Close())
}
