package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStore_IncrementAndExpiry(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	v, ttl, err := store.Increment(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if v != 1 || ttl != time.Minute {
		t.Errorf("Increment() = (%d, %v), want (1, 1m)", v, ttl)
	}

	clock.Advance(20 * time.Second)
	v, ttl, _ = store.Increment(ctx, "k", time.Minute)
	if v != 2 || ttl != 40*time.Second {
		t.Errorf("Increment() = (%d, %v), want (2, 40s)", v, ttl)
	}

	clock.Advance(40 * time.Second)
	if _, _, found, _ := store.Get(ctx, "k"); found {
		t.Error("Get() found key after expiry")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestMemoryStore_SetWithExpiryOverwrites(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	store.Increment(ctx, "k", time.Second)
	if err := store.SetWithExpiry(ctx, "k", 7, time.Hour); err != nil {
		t.Fatalf("SetWithExpiry() error = %v", err)
	}

	clock.Advance(time.Minute)
	v, ttl, found, err := store.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get() = found %v, err %v", found, err)
	}
	if v != 7 || ttl != 59*time.Minute {
		t.Errorf("Get() = (%d, %v), want (7, 59m)", v, ttl)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	store.Increment(ctx, "short", time.Second)
	store.Increment(ctx, "long", time.Hour)
	clock.Advance(time.Minute)
	store.Cleanup()

	if got := store.Len(); got != 1 {
		t.Errorf("Len() after Cleanup = %d, want 1", got)
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := store.Increment(ctx, "k", time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Increment() error = %v, want context.Canceled", err)
	}
}

func mustCreateTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRedisStore(client)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore_IncrementAndExpiry(t *testing.T) {
	store, mr := mustCreateTestRedisStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	v, ttl, err := store.Increment(ctx, "rl_auth:1.2.3.4", time.Minute)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if v != 1 || ttl != time.Minute {
		t.Errorf("Increment() = (%d, %v), want (1, 1m)", v, ttl)
	}

	mr.FastForward(30 * time.Second)
	v, ttl, err = store.Increment(ctx, "rl_auth:1.2.3.4", time.Minute)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if v != 2 || ttl != 30*time.Second {
		t.Errorf("Increment() = (%d, %v), want (2, 30s)", v, ttl)
	}

	mr.FastForward(30 * time.Second)
	if _, _, found, err := store.Get(ctx, "rl_auth:1.2.3.4"); err != nil || found {
		t.Errorf("Get() after expiry = found %v, err %v", found, err)
	}
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	store, _ := mustCreateTestRedisStore(t)
	ctx := context.Background()

	if err := store.SetWithExpiry(ctx, "k", 4, 15*time.Minute); err != nil {
		t.Fatalf("SetWithExpiry() error = %v", err)
	}
	v, ttl, found, err := store.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get() = found %v, err %v", found, err)
	}
	if v != 4 || ttl != 15*time.Minute {
		t.Errorf("Get() = (%d, %v), want (4, 15m)", v, ttl)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, found, _ := store.Get(ctx, "k"); found {
		t.Error("Get() found deleted key")
	}
}

func TestRedisStore_MalformedCounter(t *testing.T) {
	store, mr := mustCreateTestRedisStore(t)
	mr.Set("k", "not-a-number")

	if _, _, _, err := store.Get(context.Background(), "k"); err == nil {
		t.Error("Get() expected error for malformed counter")
	}
}

func TestRedisStore_LimiterBlock(t *testing.T) {
	store, mr := mustCreateTestRedisStore(t)
	limiter, err := NewLimiter(ScopeTwoFactor, BucketConfig{
		Points:        3,
		Duration:      15 * time.Minute,
		BlockDuration: 15 * time.Minute,
	}, store)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Consume(ctx, "user-1")
		if err != nil || !res.Success {
			t.Fatalf("Consume() #%d = %+v, %v", i+1, res, err)
		}
	}
	res, err := limiter.Consume(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if res.Success || res.RetryAfter != 900 {
		t.Errorf("Consume() #4 = %+v, want blocked for 900s", res)
	}

	mr.FastForward(15 * time.Minute)
	res, err = limiter.Consume(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !res.Success || res.Remaining != 2 {
		t.Errorf("Consume() after block = %+v, want fresh window", res)
	}
}

// failingStore fails every call with err.
type failingStore struct {
	err   error
	calls int
}

func (s *failingStore) Get(context.Context, string) (int64, time.Duration, bool, error) {
	s.calls++
	return 0, 0, false, s.err
}

func (s *failingStore) SetWithExpiry(context.Context, string, int64, time.Duration) error {
	s.calls++
	return s.err
}

func (s *failingStore) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	s.calls++
	return 0, 0, s.err
}

func (s *failingStore) Delete(context.Context, string) error {
	s.calls++
	return s.err
}

func (s *failingStore) Close() error { return nil }

func TestFallbackStore_DegradesAndRecovers(t *testing.T) {
	clock := newFakeClock()
	primary := &failingStore{err: errors.New("dial tcp: connection refused")}
	fallback := NewMemoryStore(WithMemoryClock(clock.Now))
	store := NewFallbackStore(primary, fallback, time.Minute)
	store.now = clock.Now
	ctx := context.Background()

	v, _, err := store.Increment(ctx, "k", time.Hour)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if v != 1 {
		t.Errorf("Increment() = %d, want 1 from fallback", v)
	}
	if !store.Degraded() {
		t.Error("expected store to be degraded")
	}

	store.Increment(ctx, "k", time.Hour)
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1 while degraded", primary.calls)
	}

	clock.Advance(time.Minute)
	if store.Degraded() {
		t.Error("expected cooldown to have elapsed")
	}
	primary.err = nil
	store.Increment(ctx, "k", time.Hour)
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want 2 after cooldown", primary.calls)
	}
}

func TestFallbackStore_ContextErrorsDoNotDegrade(t *testing.T) {
	primary := &failingStore{err: context.DeadlineExceeded}
	store := NewFallbackStore(primary, NewMemoryStore(), time.Minute)

	_, _, err := store.Increment(context.Background(), "k", time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Increment() error = %v, want deadline exceeded", err)
	}
	if store.Degraded() {
		t.Error("context errors must not degrade the store")
	}
}

func TestFallbackStore_RedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewFallbackStore(NewRedisStore(client), NewMemoryStore(), time.Minute)
	defer store.Close()
	ctx := context.Background()

	if _, _, err := store.Increment(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if store.Degraded() {
		t.Fatal("store degraded while redis is up")
	}

	mr.Close()
	v, _, err := store.Increment(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Increment() during outage error = %v", err)
	}
	if v != 1 {
		t.Errorf("Increment() during outage = %d, want 1 from fallback", v)
	}
	if !store.Degraded() {
		t.Error("expected store to be degraded during outage")
	}
}

func TestNewStore(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		kind    StoreKind
		opts    StoreOptions
		wantErr error
		check   func(t *testing.T, s Store)
	}{
		{
			name: "memory",
			kind: StoreMemory,
			check: func(t *testing.T, s Store) {
				if _, ok := s.(*MemoryStore); !ok {
					t.Errorf("NewStore() = %T, want *MemoryStore", s)
				}
			},
		},
		{
			name: "redis_wrapped_in_fallback",
			kind: StoreRedis,
			opts: StoreOptions{RedisURL: "redis://" + mr.Addr() + "/0"},
			check: func(t *testing.T, s Store) {
				if _, ok := s.(*FallbackStore); !ok {
					t.Errorf("NewStore() = %T, want *FallbackStore", s)
				}
			},
		},
		{
			name:    "unknown_kind",
			kind:    "memcached",
			wantErr: ErrUnknownStoreKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(tt.kind, tt.opts)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewStore() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStore() error = %v", err)
			}
			defer s.Close()
			tt.check(t, s)
		})
	}

	if _, err := NewStore(StoreRedis, StoreOptions{}); err == nil {
		t.Error("NewStore(redis) without URL expected error")
	}
}

func TestParseStoreKind(t *testing.T) {
	tests := []struct {
		in      string
		want    StoreKind
		wantErr bool
	}{
		{"", StoreMemory, false},
		{"memory", StoreMemory, false},
		{"redis", StoreRedis, false},
		{"etcd", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStoreKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStoreKind(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseStoreKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
