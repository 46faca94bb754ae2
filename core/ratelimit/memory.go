package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is the number of writes between opportunistic sweeps of expired keys.
const sweepEvery = 1024

// MemoryStore is an in-process Store. A single mutex guards every key, which
// gives Increment the same atomicity a shared store provides across instances.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]*memoryItem
	writes int
	now    func() time.Time
}

type memoryItem struct {
	value     int64
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now, mainly for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the item for key, dropping it if it has expired. Caller holds mu.
func (s *MemoryStore) live(key string, now time.Time) *memoryItem {
	item, ok := s.items[key]
	if !ok {
		return nil
	}
	if !now.Before(item.expiresAt) {
		delete(s.items, key)
		return nil
	}
	return item
}

func (s *MemoryStore) Get(ctx context.Context, key string) (int64, time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item := s.live(key, now)
	if item == nil {
		return 0, 0, false, nil
	}
	return item.value, item.expiresAt.Sub(now), true, nil
}

func (s *MemoryStore) SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &memoryItem{value: value, expiresAt: s.now().Add(ttl)}
	s.wrote()
	return nil
}

func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item := s.live(key, now)
	if item == nil {
		item = &memoryItem{expiresAt: now.Add(ttl)}
		s.items[key] = item
	}
	item.value++
	s.wrote()
	return item.value, item.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Cleanup removes expired entries to prevent memory leaks.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
}

// Len reports the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.items)
}

func (s *MemoryStore) Close() error {
	return nil
}

// wrote counts a write and sweeps periodically. Caller holds mu.
func (s *MemoryStore) wrote() {
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweep(s.now())
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	for key, item := range s.items {
		if !now.Before(item.expiresAt) {
			delete(s.items, key)
		}
	}
}
