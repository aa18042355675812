// Package pipeline composes a fixed, ordered chain of cross-cutting
// stages around a single domain-handler invocation: failure boundary,
// validation, timing, logging and caching, outermost to innermost.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mstrom/catalog/internal/store"
)

// Request describes one operation to execute. Cacheability and
// invalidation are declared as data on the request value; the pipeline
// reads these declarations and never inspects the concrete type.
type Request interface {
	// Operation identifies the operation type independent of payload.
	Operation() string
	// Params returns the parameters identifying a logical invocation.
	// A nil or empty map means the operation takes no parameters.
	Params() map[string]string
	// Mutating reports whether the operation changes state.
	Mutating() bool
	// CacheTTL returns the response TTL and whether the request is cacheable.
	CacheTTL() (time.Duration, bool)
	// InvalidationKeys lists cache keys to remove after a successful
	// mutation. A trailing "*" marks a prefix pattern.
	InvalidationKeys() []string
	// Validate checks the request's declarative field rules.
	Validate() error
}

// Handler executes a request and produces a result.
type Handler func(ctx context.Context, req Request) (any, error)

// Stage wraps the next handler with one cross-cutting concern. A stage
// either short-circuits or delegates inward and observes the result.
type Stage interface {
	Execute(ctx context.Context, req Request, next Handler) (any, error)
}

// Chain composes stages around handler, outermost first. Composition
// happens once at startup; the returned Handler is immutable.
func Chain(handler Handler, stages ...Stage) Handler {
	h := handler
	for i := len(stages) - 1; i >= 0; i-- {
		stage, next := stages[i], h
		h = func(ctx context.Context, req Request) (any, error) {
			return stage.Execute(ctx, req, next)
		}
	}
	return h
}

// Options configures the standard stage chain.
type Options struct {
	// Cache backs the caching stage. Nil disables caching and
	// invalidation entirely.
	Cache store.KV
	// SlowThreshold is the duration above which the timing stage warns.
	// Zero disables the warning.
	SlowThreshold time.Duration
}

// Wrap surrounds handler with the standard stage chain. The order is
// fixed: the failure boundary is outermost, caching sits nearest the
// handler so it sees the validated request and the true outcome.
func Wrap(handler Handler, opts Options) Handler {
	return Chain(handler,
		recoveryStage{},
		validationStage{},
		timingStage{slow: opts.SlowThreshold},
		loggingStage{},
		cachingStage{kv: opts.Cache},
	)
}

// Key derives a deterministic cache key from an operation name and a
// canonical, order-independent encoding of its parameters.
func Key(operation string, params map[string]string) string {
	if len(params) == 0 {
		return operation
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(operation)
	for _, name := range names {
		b.WriteString(keySeparator)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}
	return b.String()
}

const keySeparator = "::"
