package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstrom/catalog/internal/store"
)

// cacheNamespace keeps response-cache entries apart from other users of
// a shared store.
const cacheNamespace = "cache" + keySeparator

// cachingStage serves cacheable reads from the store and removes
// declared entries after successful mutations. The store is a soft
// dependency here: read and write failures are logged and swallowed,
// and the handler runs instead.
type cachingStage struct {
	kv store.KV
}

func (s cachingStage) Execute(ctx context.Context, req Request, next Handler) (any, error) {
	if s.kv == nil {
		return next(ctx, req)
	}
	if ttl, cacheable := req.CacheTTL(); cacheable {
		return s.serveCached(ctx, req, next, ttl)
	}

	result, err := next(ctx, req)
	if err != nil {
		return result, err
	}
	if req.Mutating() {
		s.invalidate(ctx, req.InvalidationKeys())
	}
	return result, nil
}

func (s cachingStage) serveCached(ctx context.Context, req Request, next Handler, ttl time.Duration) (any, error) {
	key := cacheNamespace + Key(req.Operation(), req.Params())

	raw, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		return json.RawMessage(raw), nil
	case !errors.Is(err, store.ErrNotFound):
		zerolog.Ctx(ctx).Warn().Err(err).Str("cache_key", key).Msg("cache read failed")
	}

	result, err := next(ctx, req)
	if err != nil {
		return result, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("cache_key", key).Msg("cache encode failed")
		return result, nil
	}
	if err := s.kv.Put(ctx, key, encoded, ttl); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("cache_key", key).Msg("cache write failed")
	}
	return result, nil
}

// invalidate removes declared entries after the handler has already
// succeeded, so failures are logged and swallowed: briefly serving
// stale reads beats failing a completed write.
func (s cachingStage) invalidate(ctx context.Context, keys []string) {
	for _, key := range keys {
		var err error
		if prefix, ok := strings.CutSuffix(key, "*"); ok {
			err = s.kv.DeleteByPrefix(ctx, cacheNamespace+prefix)
		} else {
			err = s.kv.Delete(ctx, cacheNamespace+key)
		}
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("cache_key", key).Msg("cache invalidation failed")
		}
	}
}
