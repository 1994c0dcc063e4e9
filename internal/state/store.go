// Package state is the shared key-value store every instance reads and writes
// room files, presence and membership through. The Redis implementation is
// used when a coordination store is reachable; the in-memory implementation
// backs a standalone instance and tests.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrTxConflict is returned when an atomic update kept losing to concurrent
// writers on the same key.
var ErrTxConflict = errors.New("state: too many concurrent updates")

// UpdateFunc receives the current value of a field and returns its
// replacement.
type UpdateFunc func(current string) (string, error)

// Store is hash-map storage with per-key expiration. A ttl of zero leaves the
// key without expiration. Every write that takes a ttl refreshes the whole
// key's expiration window.
type Store interface {
	HSet(ctx context.Context, key, field, value string, ttl time.Duration) error
	// HUpdate rewrites an existing field atomically. It reports false and
	// writes nothing when the field does not exist.
	HUpdate(ctx context.Context, key, field string, ttl time.Duration, fn UpdateFunc) (bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	// HMGet returns only the fields that exist.
	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Expire resets a key's expiration window. It reports false when the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
