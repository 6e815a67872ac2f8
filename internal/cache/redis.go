package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries as JSON envelopes under a key prefix.
// Keys carry a native expiry equal to the TTL so Redis evicts them on its own;
// the Store still checks the embedded timestamp.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type redisEnvelope struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// NewRedisBackend wraps an existing client. ttl of zero disables native expiry.
func NewRedisBackend(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (Entry, error) {
	raw, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("redis get: %w", err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Entry{}, fmt.Errorf("decode redis envelope: %w", err)
	}
	return Entry{Key: key, Value: env.Value, Timestamp: time.UnixMilli(env.Timestamp)}, nil
}

func (b *RedisBackend) Put(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(redisEnvelope{Value: e.Value, Timestamp: e.Timestamp.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode redis envelope: %w", err)
	}
	if err := b.rdb.Set(ctx, b.prefix+e.Key, raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteExpired scans the prefix and removes envelopes stamped at or before cutoff.
func (b *RedisBackend) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := b.scan(ctx, func(key string) error {
		e, err := b.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !e.Timestamp.After(cutoff) {
			if err := b.Delete(ctx, key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	return b.scan(ctx, func(key string) error {
		return b.Delete(ctx, key)
	})
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

// scan visits every key under the prefix, passing it without the prefix.
func (b *RedisBackend) scan(ctx context.Context, fn func(key string) error) error {
	iter := b.rdb.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()[len(b.prefix):]); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}
