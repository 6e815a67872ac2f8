// Package gateway fans calls out over a pool of interchangeable API keys.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
)

var (
	// ErrNoCredentials means the pool is empty.
	ErrNoCredentials = errors.New("gateway: no credentials configured")
	// ErrExhausted means every credential was tried and failed.
	ErrExhausted = errors.New("gateway: all credentials exhausted")
	// ErrRejected means the request itself was refused; no other credential was tried.
	ErrRejected = errors.New("gateway: request rejected")
)

// ExhaustedError carries the attempt count and the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gateway: all %d credentials exhausted: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// clientError is implemented by transport errors that no other credential can fix.
type clientError interface {
	ClientError() bool
}

// IsClientError reports whether err, or anything it wraps, is a client-class failure.
func IsClientError(err error) bool {
	var ce clientError
	return errors.As(err, &ce) && ce.ClientError()
}

// Gateway tries credentials in random order until one attempt succeeds.
type Gateway struct {
	keys    []string
	log     *slog.Logger
	shuffle func(n int, swap func(i, j int))
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger sets the attempt logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithShuffle replaces the random permutation, mainly for tests.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(g *Gateway) {
		if shuffle != nil {
			g.shuffle = shuffle
		}
	}
}

func New(keys []string, opts ...Option) *Gateway {
	g := &Gateway{
		keys:    append([]string(nil), keys...),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		shuffle: rand.Shuffle,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Size reports the number of credentials in the pool.
func (g *Gateway) Size() int { return len(g.keys) }

// Do runs attempt once per credential in a freshly shuffled order and returns on the first success.
// A client-class error or context cancellation stops the loop immediately.
func (g *Gateway) Do(ctx context.Context, attempt func(ctx context.Context, credential string) error) error {
	if len(g.keys) == 0 {
		return ErrNoCredentials
	}
	order := append([]string(nil), g.keys...)
	g.shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	var last error
	for i, key := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := g.log.With("credential", Mask(key), "attempt", i+1, "of", len(order))
		err := attempt(ctx, key)
		if err == nil {
			log.Debug("gateway attempt succeeded")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if IsClientError(err) {
			log.Warn("gateway attempt rejected, aborting", "err", err)
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		log.Warn("gateway attempt failed", "err", err)
		last = err
	}
	return &ExhaustedError{Attempts: len(order), Last: last}
}

// ParseKeyPool splits a comma separated pool, falling back to a single key when the pool is empty.
func ParseKeyPool(pool, single string) []string {
	var keys []string
	for _, k := range strings.Split(pool, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		if k := strings.TrimSpace(single); k != "" {
			keys = []string{k}
		}
	}
	return keys
}

// Mask keeps the first five and last four characters of a credential.
func Mask(key string) string {
	if len(key) <= 9 {
		return "***"
	}
	return key[:5] + "..." + key[len(key)-4:]
}
