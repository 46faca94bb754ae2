package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The store owns the client and closes it on Close.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks connectivity.
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping error: %w", err)
	}
	return nil
}

func (rs *RedisStore) Get(ctx context.Context, key string) (int64, time.Duration, bool, error) {
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis get error: %w", err)
	}

	value, err := strconv.ParseInt(get.Val(), 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("malformed counter at %s: %w", key, err)
	}
	return value, pttlValue(pttl.Val()), true, nil
}

func (rs *RedisStore) SetWithExpiry(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := rs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Increment creates the key with the TTL if absent, increments it and reads
// the remaining TTL in a single MULTI/EXEC transaction.
func (rs *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, ttl)
		incr = pipe.Incr(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr error: %w", err)
	}
	return incr.Val(), pttlValue(pttl.Val()), nil
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (rs *RedisStore) Close() error {
	if rs.client != nil {
		return rs.client.Close()
	}
	return nil
}

// pttlValue normalises the -1/-2 sentinels Redis uses for "no expiry" and "no key".
func pttlValue(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
