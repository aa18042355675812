package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstrom/catalog/internal/store"
)

type testReq struct {
	op          string
	params      map[string]string
	mutating    bool
	ttl         time.Duration
	invalidates []string
	validateErr error
}

func (r testReq) Operation() string               { return r.op }
func (r testReq) Params() map[string]string       { return r.params }
func (r testReq) Mutating() bool                  { return r.mutating }
func (r testReq) CacheTTL() (time.Duration, bool) { return r.ttl, r.ttl > 0 }
func (r testReq) InvalidationKeys() []string      { return r.invalidates }
func (r testReq) Validate() error                 { return r.validateErr }

func countingHandler(result any, err error) (Handler, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context, req Request) (any, error) {
		calls.Add(1)
		return result, err
	}, &calls
}

func TestChainComposesOutermostFirst(t *testing.T) {
	var order []string
	named := func(name string) Stage {
		return stageFunc(func(ctx context.Context, req Request, next Handler) (any, error) {
			order = append(order, name)
			return next(ctx, req)
		})
	}
	h := Chain(func(ctx context.Context, req Request) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}, named("outer"), named("middle"), named("inner"))

	_, err := h(context.Background(), testReq{op: "Op"})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "middle", "inner", "handler"}, order)
}

type stageFunc func(ctx context.Context, req Request, next Handler) (any, error)

func (f stageFunc) Execute(ctx context.Context, req Request, next Handler) (any, error) {
	return f(ctx, req, next)
}

func TestValidationShortCircuits(t *testing.T) {
	kv := store.NewMemory()
	handler, calls := countingHandler("ok", nil)
	h := Wrap(handler, Options{Cache: kv})

	req := testReq{op: "GetProductsQuery", ttl: time.Minute, validateErr: errors.New("Name: cannot be blank")}
	_, err := h(context.Background(), req)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation_failed", apiErr.Code)
	assert.Equal(t, int32(0), calls.Load(), "handler must not run")
	assert.Equal(t, 0, kv.Len(), "no cache entry may be written")
}

func TestCacheHitMissAndExpiry(t *testing.T) {
	kv := store.NewMemory()
	base := time.Now()
	kv.Now = func() time.Time { return base }

	handler, calls := countingHandler(map[string]string{"name": "Pen"}, nil)
	h := Wrap(handler, Options{Cache: kv})
	req := testReq{op: "GetProductQuery", params: map[string]string{"id": "1"}, ttl: 30 * time.Second}

	first, err := h(context.Background(), req)
	require.NoError(t, err)
	second, err := h(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call within TTL must be a hit")
	assert.JSONEq(t, mustJSON(t, first), mustJSON(t, second))

	kv.Now = func() time.Time { return base.Add(time.Minute) }
	_, err = h(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired entry must be a miss")
}

func TestCacheKeyIsParameterOrderIndependent(t *testing.T) {
	key := Key("GetProductsQuery", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "GetProductsQuery::a=1::b=2", key)
	assert.Equal(t, "GetProductsQuery", Key("GetProductsQuery", nil))
}

func TestInvalidationByPatternAndLiteral(t *testing.T) {
	kv := store.NewMemory()
	readHandler, readCalls := countingHandler([]string{"a"}, nil)
	read := Wrap(readHandler, Options{Cache: kv})

	listReq := testReq{op: "GetProductsQuery", ttl: time.Minute}
	oneReq := testReq{op: "GetProductQuery", params: map[string]string{"id": "7"}, ttl: time.Minute}

	for _, req := range []testReq{listReq, oneReq} {
		_, err := read(context.Background(), req)
		require.NoError(t, err)
		_, err = read(context.Background(), req)
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), readCalls.Load(), "both entries cached")

	writeHandler, _ := countingHandler("created", nil)
	write := Wrap(writeHandler, Options{Cache: kv})
	cmd := testReq{
		op:       "CreateProductCommand",
		mutating: true,
		invalidates: []string{
			"GetProductsQuery*",
			Key("GetProductQuery", map[string]string{"id": "7"}),
		},
	}
	_, err := write(context.Background(), cmd)
	require.NoError(t, err)

	_, err = read(context.Background(), listReq)
	require.NoError(t, err)
	_, err = read(context.Background(), oneReq)
	require.NoError(t, err)
	assert.Equal(t, int32(4), readCalls.Load(), "both entries must have been invalidated")
}

func TestNoInvalidationWhenHandlerFails(t *testing.T) {
	kv := store.NewMemory()
	readHandler, readCalls := countingHandler("v", nil)
	read := Wrap(readHandler, Options{Cache: kv})
	listReq := testReq{op: "GetProductsQuery", ttl: time.Minute}
	_, err := read(context.Background(), listReq)
	require.NoError(t, err)

	failing, _ := countingHandler(nil, errors.New("boom"))
	write := Wrap(failing, Options{Cache: kv})
	cmd := testReq{op: "CreateProductCommand", mutating: true, invalidates: []string{"GetProductsQuery*"}}
	_, err = write(context.Background(), cmd)
	require.Error(t, err)

	_, err = read(context.Background(), listReq)
	require.NoError(t, err)
	assert.Equal(t, int32(1), readCalls.Load(), "cache entry must survive a failed mutation")
}

// brokenKV fails every operation, standing in for an unreachable backend.
type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, store.ErrUnavailable }
func (brokenKV) PutIfAbsent(context.Context, string, []byte, time.Duration) error {
	return store.ErrUnavailable
}
func (brokenKV) Put(context.Context, string, []byte, time.Duration) error {
	return store.ErrUnavailable
}
func (brokenKV) Delete(context.Context, string) error         { return store.ErrUnavailable }
func (brokenKV) DeleteByPrefix(context.Context, string) error { return store.ErrUnavailable }

func TestCacheFailsOpen(t *testing.T) {
	handler, calls := countingHandler("fresh", nil)
	h := Wrap(handler, Options{Cache: brokenKV{}})
	req := testReq{op: "GetProductQuery", params: map[string]string{"id": "1"}, ttl: time.Minute}

	result, err := h(context.Background(), req)
	require.NoError(t, err, "an unreachable cache must not fail the request")
	assert.Equal(t, "fresh", result)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidationFailureIsSwallowed(t *testing.T) {
	handler, _ := countingHandler("done", nil)
	h := Wrap(handler, Options{Cache: brokenKV{}})
	cmd := testReq{op: "DeleteProductCommand", mutating: true, invalidates: []string{"GetProductsQuery*"}}

	result, err := h(context.Background(), cmd)
	require.NoError(t, err, "invalidation failures never surface to the caller")
	assert.Equal(t, "done", result)
}

func TestRecoveryCatchesPanic(t *testing.T) {
	h := Wrap(func(ctx context.Context, req Request) (any, error) {
		panic("kaboom")
	}, Options{})

	_, err := h(context.Background(), testReq{op: "Op"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "internal_error", apiErr.Code)
	assert.NotContains(t, apiErr.Message, "kaboom")
}

func TestRecoveryMasksInternalErrors(t *testing.T) {
	h := Wrap(func(ctx context.Context, req Request) (any, error) {
		return nil, errors.New("pq: duplicate key value violates unique constraint")
	}, Options{})

	_, err := h(context.Background(), testReq{op: "Op"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "internal_error", apiErr.Code)
	assert.NotContains(t, apiErr.Message, "duplicate key")
}

func TestRecoveryPassesClientErrorsThrough(t *testing.T) {
	notFound := &Error{Status: http.StatusNotFound, Code: "not_found", Message: "product not found"}
	h := Wrap(func(ctx context.Context, req Request) (any, error) {
		return nil, notFound
	}, Options{})

	_, err := h(context.Background(), testReq{op: "Op"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, notFound, apiErr)
}

func TestTimingWarnsOnSlowRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	h := Wrap(func(ctx context.Context, req Request) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}, Options{SlowThreshold: time.Millisecond})

	_, err := h(ctx, testReq{op: "GetProductsQuery"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "slow request")
	assert.Contains(t, buf.String(), "GetProductsQuery")
}

func TestLoggingEmitsStartAndCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	h := Wrap(func(ctx context.Context, req Request) (any, error) {
		return "ok", nil
	}, Options{})

	_, err := h(ctx, testReq{op: "GetProductQuery"})
	require.NoError(t, err)

	logs := buf.String()
	assert.Contains(t, logs, "request started")
	assert.Contains(t, logs, "request completed")
	assert.Equal(t, 2, strings.Count(logs, "GetProductQuery"))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
