package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by backends when a key has no entry.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one persisted cache line. Value holds JSON.
type Entry struct {
	Key       string
	Value     []byte
	Timestamp time.Time
}

// Backend is the durable key/value table behind a Store.
// Implementations must make Put an unconditional replace.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	// DeleteExpired removes every entry whose timestamp is at or before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Clear(ctx context.Context) error
	Close() error
}
