package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "k", []byte("v1"), time.Minute))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Put overwrites.
	require.NoError(t, m.Put(ctx, "k", []byte("v2"), time.Minute))
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	m.Now = func() time.Time { return base }

	require.NoError(t, m.Put(ctx, "k", []byte("v"), 30*time.Second))

	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	m.Now = func() time.Time { return base.Add(31 * time.Second) }
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "an entry past its expiry is logically absent")
}

func TestMemoryPutIfAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	m.Now = func() time.Time { return base }

	require.NoError(t, m.PutIfAbsent(ctx, "k", []byte("first"), 30*time.Second))
	assert.ErrorIs(t, m.PutIfAbsent(ctx, "k", []byte("second"), 30*time.Second), ErrExists)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	// An expired entry does not block a new writer.
	m.Now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, m.PutIfAbsent(ctx, "k", []byte("second"), 30*time.Second))
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestMemoryPutIfAbsentConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const n = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.PutIfAbsent(ctx, "k", []byte(fmt.Sprintf("w%d", i)), time.Minute); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent writer may register the key")
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Delete(ctx, "k"))
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, m.Delete(ctx, "k"))
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "GetProductsQuery", []byte("all"), time.Minute))
	require.NoError(t, m.Put(ctx, "GetProductsQuery::category=Office", []byte("office"), time.Minute))
	require.NoError(t, m.Put(ctx, "GetProductQuery::id=1", []byte("one"), time.Minute))

	require.NoError(t, m.DeleteByPrefix(ctx, "GetProductsQuery"))

	_, err := m.Get(ctx, "GetProductsQuery")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, "GetProductsQuery::category=Office")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.Get(ctx, "GetProductQuery::id=1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
}
