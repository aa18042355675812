// Package store provides the shared keyed store behind the response
// cache and the idempotency record store, with in-memory and Redis
// implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or its entry has expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrExists is returned by PutIfAbsent when a live entry already holds the key.
	ErrExists = errors.New("store: key already exists")
	// ErrUnavailable wraps backend failures so callers can decide
	// whether to fail open or closed.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// KV is a keyed byte store with per-entry TTL. Each single-key write is
// atomic; PutIfAbsent is the compare-and-set primitive callers use for
// single-flight registration.
type KV interface {
	// Get returns the value for key, or ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// PutIfAbsent stores value only when no live entry holds key,
	// returning ErrExists otherwise.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Put stores value, overwriting any existing entry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteByPrefix removes every entry whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error
}
