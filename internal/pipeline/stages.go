package pipeline

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// recoveryStage is the failure boundary. It catches panics and any
// error that is not already a client-facing *Error, logs the full
// context and returns a uniform internal error instead.
type recoveryStage struct{}

func (recoveryStage) Execute(ctx context.Context, req Request, next Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().
				Str("operation", req.Operation()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("request panicked")
			result, err = nil, internalError()
		}
	}()

	result, err = next(ctx, req)
	if err == nil {
		return result, nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return nil, apiErr
	}

	zerolog.Ctx(ctx).Error().
		Str("operation", req.Operation()).
		Err(err).
		Msg("request failed")
	return nil, internalError()
}

// validationStage runs the request's declarative rules before any side
// effect, cache reads included. A violation short-circuits immediately.
type validationStage struct{}

func (validationStage) Execute(ctx context.Context, req Request, next Handler) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{
			Status:  http.StatusBadRequest,
			Code:    "validation_failed",
			Message: "request validation failed",
			Details: err,
		}
	}
	return next(ctx, req)
}

// timingStage measures wall-clock duration of everything inside it and
// warns past the configured threshold. It never alters the result.
type timingStage struct {
	slow time.Duration
}

func (t timingStage) Execute(ctx context.Context, req Request, next Handler) (any, error) {
	start := time.Now()
	result, err := next(ctx, req)
	if d := time.Since(start); t.slow > 0 && d > t.slow {
		zerolog.Ctx(ctx).Warn().
			Str("operation", req.Operation()).
			Dur("duration", d).
			Dur("threshold", t.slow).
			Msg("slow request")
	}
	return result, err
}

// loggingStage emits structured start/completion events. The
// request-scoped logger carries the correlation id.
type loggingStage struct{}

func (loggingStage) Execute(ctx context.Context, req Request, next Handler) (any, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("operation", req.Operation()).
		Bool("mutating", req.Mutating()).
		Msg("request started")

	result, err := next(ctx, req)

	evt := logger.Info()
	if err != nil {
		evt = logger.Warn().Err(err)
	}
	evt.Str("operation", req.Operation()).Msg("request completed")
	return result, err
}
