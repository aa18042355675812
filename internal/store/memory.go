package store

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Memory is an in-process KV backed by a sharded concurrent map.
// Per-key atomicity comes from the map's Compute primitive, so no lock
// ever spans more than one key.
type Memory struct {
	entries *xsync.MapOf[string, entry]

	// Now is the clock used for expiry checks, overridable in tests.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: xsync.NewMapOf[string, entry](),
		Now:     time.Now,
	}
}

// Get implements KV. Expired entries are removed on read.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.entries.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(m.Now()) {
		m.entries.Delete(key)
		return nil, ErrNotFound
	}
	return e.value, nil
}

// PutIfAbsent implements KV. An expired entry does not count as present.
func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.Now()
	exists := false
	m.entries.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && !old.expired(now) {
			exists = true
			return old, false
		}
		return entry{value: value, expiresAt: expiry(now, ttl)}, false
	})
	if exists {
		return ErrExists
	}
	return nil
}

// Put implements KV.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.entries.Store(key, entry{value: value, expiresAt: expiry(m.Now(), ttl)})
	return nil
}

// Delete implements KV.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

// DeleteByPrefix implements KV by scanning live keys. The map has no
// native prefix index, so this is the full-scan strategy; see DESIGN.md
// for the trade-off against maintaining a key index.
func (m *Memory) DeleteByPrefix(_ context.Context, prefix string) error {
	m.entries.Range(func(key string, _ entry) bool {
		if strings.HasPrefix(key, prefix) {
			m.entries.Delete(key)
		}
		return true
	})
	return nil
}

// Len reports the number of stored entries, including not yet
// collected expired ones.
func (m *Memory) Len() int {
	return m.entries.Size()
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
