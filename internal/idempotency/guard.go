// Package idempotency enforces at-most-once execution of mutating
// operations, keyed by a caller-supplied idempotency key, the operation
// signature and a hash of the request body.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mstrom/catalog/internal/store"
)

// Header carries the caller-supplied idempotency key.
const Header = "Idempotency-Key"

// Record states.
const (
	StateInFlight  = "IN_FLIGHT"
	StateCompleted = "COMPLETED"
)

var (
	// ErrConflict reports a key reused with a different payload. This is
	// a client error, never a replay.
	ErrConflict = errors.New("idempotency key reused with a different request body")
	// ErrInFlight reports a concurrent request holding the same key.
	ErrInFlight = errors.New("a request with this idempotency key is already in flight")
)

// InvalidKeyError reports a missing or malformed idempotency key.
type InvalidKeyError struct {
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return "invalid idempotency key: " + e.Reason
}

// Record is what the guard stores per (key, operation) pair. The body
// hash completes the identity: a lookup only counts as a replay when
// all three components match. The response is kept as opaque bytes so
// a replay reproduces it exactly, never re-encoded.
type Record struct {
	State          string    `json:"state"`
	BodyHash       string    `json:"body_hash"`
	ResponseStatus int       `json:"response_status,omitempty"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Config bounds key length and record lifetimes.
type Config struct {
	KeyMinLength int
	KeyMaxLength int
	// CompletedTTL is how long a completed record can replay its response.
	CompletedTTL time.Duration
	// InFlightTTL bounds how long a crashed or cancelled owner can block
	// retries with the same key.
	InFlightTTL time.Duration
}

// DefaultConfig returns the reference limits: 16-128 character keys,
// 24h replay window, 1m in-flight window.
func DefaultConfig() Config {
	return Config{
		KeyMinLength: 16,
		KeyMaxLength: 128,
		CompletedTTL: 24 * time.Hour,
		InFlightTTL:  time.Minute,
	}
}

// Guard coordinates at-most-once execution against a shared record
// store. The store is a hard dependency: when it is unreachable the
// guard fails closed, because the guarantee cannot be honored without it.
type Guard struct {
	kv  store.KV
	cfg Config
	now func() time.Time
}

// NewGuard creates a guard over kv. Zero config fields fall back to the
// defaults.
func NewGuard(kv store.KV, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.KeyMinLength == 0 {
		cfg.KeyMinLength = def.KeyMinLength
	}
	if cfg.KeyMaxLength == 0 {
		cfg.KeyMaxLength = def.KeyMaxLength
	}
	if cfg.CompletedTTL == 0 {
		cfg.CompletedTTL = def.CompletedTTL
	}
	if cfg.InFlightTTL == 0 {
		cfg.InFlightTTL = def.InFlightTTL
	}
	return &Guard{kv: kv, cfg: cfg, now: time.Now}
}

// Attempt is one registered in-flight execution. The caller must finish
// it with Complete on success or Abandon on failure so the key can be
// retried.
type Attempt struct {
	guard    *Guard
	storeKey string
	bodyHash string
}

// Begin enforces the at-most-once contract for one mutating request.
// It returns exactly one of:
//   - a fresh Attempt when this guard registered the in-flight record,
//   - a completed Record whose stored response must be replayed,
//   - an error (invalid key, conflict, concurrent duplicate, or a store
//     failure, which the caller must treat as fatal to the request).
func (g *Guard) Begin(ctx context.Context, key, operation string, body []byte) (*Attempt, *Record, error) {
	if err := g.validateKey(key); err != nil {
		return nil, nil, err
	}

	hash := BodyHash(body)
	storeKey := recordKey(operation, key)
	now := g.now()

	fresh := Record{
		State:     StateInFlight,
		BodyHash:  hash,
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.InFlightTTL),
	}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return nil, nil, fmt.Errorf("encode idempotency record: %w", err)
	}

	// The atomic create-if-absent is the single-flight point: of N
	// concurrent requests sharing a key, exactly one proceeds.
	err = g.kv.PutIfAbsent(ctx, storeKey, raw, g.cfg.InFlightTTL)
	if err == nil {
		return &Attempt{guard: g, storeKey: storeKey, bodyHash: hash}, nil, nil
	}
	if !errors.Is(err, store.ErrExists) {
		return nil, nil, fmt.Errorf("idempotency store: %w", err)
	}

	existing, err := g.load(ctx, storeKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The holding record expired between the two store calls.
			// Treat as a concurrent duplicate rather than racing again.
			return nil, nil, ErrInFlight
		}
		return nil, nil, err
	}

	if existing.BodyHash != hash {
		return nil, nil, ErrConflict
	}
	if existing.State == StateCompleted {
		return nil, existing, nil
	}
	return nil, nil, ErrInFlight
}

// Complete transitions the attempt's record to COMPLETED, persisting
// the response for replay.
func (a *Attempt) Complete(ctx context.Context, status int, body []byte) error {
	now := a.guard.now()
	rec := Record{
		State:          StateCompleted,
		BodyHash:       a.bodyHash,
		ResponseStatus: status,
		ResponseBody:   body,
		CreatedAt:      now,
		ExpiresAt:      now.Add(a.guard.cfg.CompletedTTL),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := a.guard.kv.Put(ctx, a.storeKey, raw, a.guard.cfg.CompletedTTL); err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}

// Abandon removes the in-flight record after a failed attempt. A failed
// execution is never persisted, so a retry with the same key can run.
func (a *Attempt) Abandon(ctx context.Context) error {
	if err := a.guard.kv.Delete(ctx, a.storeKey); err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}

func (g *Guard) validateKey(key string) error {
	switch {
	case key == "":
		return &InvalidKeyError{Reason: Header + " header is required for this operation"}
	case len(key) < g.cfg.KeyMinLength || len(key) > g.cfg.KeyMaxLength:
		return &InvalidKeyError{Reason: fmt.Sprintf("key length must be between %d and %d characters, got %d",
			g.cfg.KeyMinLength, g.cfg.KeyMaxLength, len(key))}
	}
	return nil
}

func (g *Guard) load(ctx context.Context, storeKey string) (*Record, error) {
	raw, err := g.kv.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// recordKey namespaces records in a store shared with the response cache.
func recordKey(operation, key string) string {
	return "idem::" + operation + "::" + key
}
