package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an analysis result stays valid.
const DefaultTTL = 24 * time.Hour

// logKeyLimit bounds how much of a key ends up in log lines.
const logKeyLimit = 50

// Store is the persistent analysis cache. Backend failures never reach callers:
// reads degrade to a miss and writes to a no-op.
type Store struct {
	backend  Backend
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
	coalesce bool
	flights  singleflight.Group

	mu      sync.Mutex
	waiting map[string]*waiters
}

// Option customizes a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for hits, misses and swallowed storage errors.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCoalescing toggles sharing of in-flight computations for identical keys in Load.
func WithCoalescing(on bool) Option {
	return func(s *Store) { s.coalesce = on }
}

// New wraps a backend. Call Init before first use to sweep expired entries.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		ttl:      DefaultTTL,
		now:      time.Now,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		coalesce: true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL reports the configured time-to-live.
func (s *Store) TTL() time.Duration { return s.ttl }

// Init eagerly removes entries that already expired, using the same age >= TTL rule as Get.
func (s *Store) Init(ctx context.Context) error {
	cutoff := s.now().Add(-s.ttl)
	n, err := s.backend.DeleteExpired(ctx, cutoff)
	if err != nil {
		s.log.Warn("cache sweep failed", "err", err)
		return nil
	}
	s.log.Info("cache initialized", "ttl", s.ttl, "expired_removed", n)
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get decodes the stored value for key into out and reports whether it was found and fresh.
// A stale entry is deleted as a side effect.
func (s *Store) Get(ctx context.Context, key string, out any) bool {
	e, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("cache read failed", "key", shortKey(key), "err", err)
		}
		return false
	}
	if s.now().Sub(e.Timestamp) >= s.ttl {
		if err := s.backend.Delete(ctx, key); err != nil {
			s.log.Warn("cache purge failed", "key", shortKey(key), "err", err)
		}
		s.log.Debug("cache expired", "key", shortKey(key))
		return false
	}
	if err := json.Unmarshal(e.Value, out); err != nil {
		s.log.Warn("cache decode failed", "key", shortKey(key), "err", err)
		return false
	}
	s.log.Debug("cache hit", "key", shortKey(key))
	return true
}

// Set stores value under key with the current timestamp, replacing any prior entry.
func (s *Store) Set(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Warn("cache encode failed", "key", shortKey(key), "err", err)
		return
	}
	if err := s.backend.Put(ctx, Entry{Key: key, Value: raw, Timestamp: s.now()}); err != nil {
		s.log.Warn("cache write failed", "key", shortKey(key), "err", err)
		return
	}
	s.log.Debug("cache set", "key", shortKey(key))
}

// Clear drops every entry.
func (s *Store) Clear(ctx context.Context) {
	if err := s.backend.Clear(ctx); err != nil {
		s.log.Error("cache clear failed", "err", err)
		return
	}
	s.log.Info("cache cleared")
}

// Load returns the cached value for key, computing and storing it on a miss.
// With coalescing on, concurrent callers for the same key share one compute call. Each caller
// waits on its own ctx; the shared call is cancelled only once every waiter has left.
// The boolean is true when the value came from the cache.
func (s *Store) Load(ctx context.Context, key string, out any, compute func(context.Context) (json.RawMessage, error)) (bool, error) {
	if s.Get(ctx, key, out) {
		return true, nil
	}
	if !s.coalesce {
		raw, err := compute(ctx)
		if err != nil {
			return false, err
		}
		s.Set(ctx, key, raw)
		return false, json.Unmarshal(raw, out)
	}

	hit, err := s.loadShared(ctx, key, out, compute)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		// joined a flight whose own waiters all left; this caller is still live
		s.log.Debug("cache flight abandoned, retrying", "key", shortKey(key))
		hit, err = s.loadShared(ctx, key, out, compute)
	}
	return hit, err
}

func (s *Store) loadShared(ctx context.Context, key string, out any, compute func(context.Context) (json.RawMessage, error)) (bool, error) {
	w := s.join(ctx, key)
	defer s.leave(key, w)

	ch := s.flights.DoChan(key, func() (any, error) {
		// A flight that finished just before this one may have filled the line.
		var cached json.RawMessage
		if s.Get(w.ctx, key, &cached) {
			return flight{raw: cached, hit: true}, nil
		}
		raw, err := compute(w.ctx)
		if err != nil {
			return nil, err
		}
		s.Set(w.ctx, key, raw)
		return flight{raw: raw}, nil
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		if res.Shared {
			s.log.Debug("cache flight shared", "key", shortKey(key))
		}
		f := res.Val.(flight)
		return f.hit, json.Unmarshal(f.raw, out)
	}
}

// waiters counts the callers of one key's flight. Its ctx outlives any single caller.
type waiters struct {
	ctx    context.Context
	cancel context.CancelFunc
	n      int
}

func (s *Store) join(ctx context.Context, key string) *waiters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting == nil {
		s.waiting = make(map[string]*waiters)
	}
	w := s.waiting[key]
	if w == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w = &waiters{ctx: fctx, cancel: cancel}
		s.waiting[key] = w
	}
	w.n++
	return w
}

func (s *Store) leave(key string, w *waiters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.n--
	if w.n > 0 {
		return
	}
	w.cancel()
	if s.waiting[key] == w {
		delete(s.waiting, key)
	}
}

type flight struct {
	raw json.RawMessage
	hit bool
}

func shortKey(key string) string {
	if len(key) <= logKeyLimit {
		return key
	}
	return key[:logKeyLimit] + "..."
}
