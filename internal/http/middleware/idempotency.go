// Package middleware holds the transport-boundary middleware applied
// ahead of the request pipeline.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstrom/catalog/internal/idempotency"
	"github.com/mstrom/catalog/internal/pipeline"
)

// A concurrent duplicate waits for the owning request to finish so it
// can replay the same response, polling the record store. Past the
// window it gives up with a conflict; the in-flight TTL bounds how long
// a crashed owner can keep duplicates waiting.
const (
	inFlightPollInterval = 25 * time.Millisecond
	inFlightWaitMax      = 5 * time.Second
)

// Idempotency enforces at-most-once execution for mutating routes. It
// runs at the transport boundary, ahead of the pipeline: replays are
// answered from the stored record with byte-identical status and body,
// and the wrapped handler never runs.
func Idempotency(guard *idempotency.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			body, err := io.ReadAll(r.Body)
			if err != nil {
				(&pipeline.Error{
					Status:  http.StatusBadRequest,
					Code:    "invalid_body",
					Message: "could not read request body",
				}).WriteJSON(w)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := r.Header.Get(idempotency.Header)
			operation := r.Method + " " + r.URL.Path

			attempt, replay, err := guard.Begin(ctx, key, operation, body)
		wait:
			for waited := time.Duration(0); errors.Is(err, idempotency.ErrInFlight) && waited < inFlightWaitMax; waited += inFlightPollInterval {
				select {
				case <-ctx.Done():
					break wait
				case <-time.After(inFlightPollInterval):
					attempt, replay, err = guard.Begin(ctx, key, operation, body)
				}
			}
			if err != nil {
				guardError(ctx, err).WriteJSON(w)
				return
			}

			if replay != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(replay.ResponseStatus)
				_, _ = w.Write(replay.ResponseBody)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			// A failed attempt is never persisted as COMPLETED; the record
			// is removed so a retry with the same key can execute. The
			// release must outlive the request context: a cancelled caller
			// is exactly the case where the record has to go.
			if rec.status >= http.StatusBadRequest || ctx.Err() != nil {
				if aerr := attempt.Abandon(context.WithoutCancel(ctx)); aerr != nil {
					zerolog.Ctx(ctx).Warn().Err(aerr).Msg("failed to release idempotency record")
				}
			} else if cerr := attempt.Complete(ctx, rec.status, rec.body.Bytes()); cerr != nil {
				zerolog.Ctx(ctx).Error().Err(cerr).Msg("failed to persist idempotency record")
			}

			rec.flush()
		})
	}
}

func guardError(ctx context.Context, err error) *pipeline.Error {
	var keyErr *idempotency.InvalidKeyError
	switch {
	case errors.As(err, &keyErr):
		return &pipeline.Error{
			Status:  http.StatusBadRequest,
			Code:    "idempotency_key_invalid",
			Message: keyErr.Error(),
		}
	case errors.Is(err, idempotency.ErrConflict):
		return &pipeline.Error{
			Status:  http.StatusConflict,
			Code:    "idempotency_conflict",
			Message: err.Error(),
		}
	case errors.Is(err, idempotency.ErrInFlight):
		return &pipeline.Error{
			Status:  http.StatusConflict,
			Code:    "request_in_flight",
			Message: err.Error(),
		}
	default:
		// At-most-once cannot be honored without the record store, so a
		// mutating request fails closed.
		zerolog.Ctx(ctx).Error().Err(err).Msg("idempotency store unavailable")
		return &pipeline.Error{
			Status:  http.StatusServiceUnavailable,
			Code:    "idempotency_store_unavailable",
			Message: "unable to guarantee idempotent execution, retry later",
		}
	}
}

// responseRecorder buffers the downstream response so the guard can
// persist it before it reaches the client.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) flush() {
	r.ResponseWriter.WriteHeader(r.status)
	_, _ = r.ResponseWriter.Write(r.body.Bytes())
}
