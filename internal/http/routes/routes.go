// Package routes wires the HTTP surface to the request pipeline: each
// route decodes the body and URL into a request value and hands it to
// the fixed stage chain composed once at startup.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mstrom/catalog/internal/config"
	appmw "github.com/mstrom/catalog/internal/http/middleware"
	"github.com/mstrom/catalog/internal/idempotency"
	"github.com/mstrom/catalog/internal/pipeline"
	"github.com/mstrom/catalog/internal/product"
	"github.com/mstrom/catalog/internal/store"
)

type Server struct {
	Router *chi.Mux

	svc     *product.Service
	execute pipeline.Handler
	cache   config.CacheConfig
}

type ServerOptions struct {
	Service *product.Service
	// Cache is the shared keyed store behind the response cache.
	Cache store.KV
	Guard *idempotency.Guard
	Cfg   config.Config
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	s := &Server{Router: r, svc: opts.Service, cache: opts.Cfg.Cache}
	s.execute = pipeline.Wrap(s.dispatch, pipeline.Options{
		Cache:         opts.Cache,
		SlowThreshold: opts.Cfg.SlowRequestThreshold,
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Printf("Error writing health check response: %v", err)
		}
	})

	r.Get("/products", s.handleListProducts)
	r.Get("/products/{id}", s.handleGetProduct)

	// Mutating routes run behind the idempotency guard, ahead of the
	// pipeline.
	r.Group(func(mr chi.Router) {
		mr.Use(appmw.Idempotency(opts.Guard))
		mr.Post("/products", s.handleCreateProduct)
		mr.Put("/products/{id}", s.handleUpdateProduct)
		mr.Delete("/products/{id}", s.handleDeleteProduct)
	})

	return s
}

// requestLogger enriches the request-scoped logger with the correlation
// id so every stage event carries it.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := zerolog.Ctx(ctx).With().Str("request_id", chimw.GetReqID(ctx)).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var cmd product.CreateProductCommand
	if !decodeBody(w, r, &cmd) {
		return
	}
	s.run(w, r, cmd, http.StatusCreated)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var cmd product.UpdateProductCommand
	if !decodeBody(w, r, &cmd) {
		return
	}
	cmd.ID = id
	s.run(w, r, cmd, http.StatusOK)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	s.run(w, r, product.DeleteProductCommand{ID: id}, http.StatusOK)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	s.run(w, r, product.GetProductQuery{ID: id, TTL: s.cache.ProductTTL}, http.StatusOK)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := product.GetProductsQuery{
		Category: r.URL.Query().Get("category"),
		TTL:      s.cache.ProductListTTL,
	}
	s.run(w, r, q, http.StatusOK)
}

// run sends the request through the stage chain and writes the result.
func (s *Server) run(w http.ResponseWriter, r *http.Request, req pipeline.Request, status int) {
	result, err := s.execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, result)
}

// deleteResult is the replayable body of a successful delete.
type deleteResult struct {
	ID      uuid.UUID `json:"id"`
	Deleted bool      `json:"deleted"`
}

// dispatch is the innermost pipeline handler: it maps each request type
// to the domain service call it wraps.
func (s *Server) dispatch(ctx context.Context, req pipeline.Request) (any, error) {
	switch q := req.(type) {
	case product.CreateProductCommand:
		p, err := s.svc.Create(ctx, q.Name, q.Price, q.Category)
		if err != nil {
			return nil, err
		}
		return p, nil
	case product.UpdateProductCommand:
		p, err := s.svc.Update(ctx, q.ID, q.Name, q.Price, q.Category)
		if err != nil {
			return nil, domainError(err)
		}
		return p, nil
	case product.DeleteProductCommand:
		if err := s.svc.Delete(ctx, q.ID); err != nil {
			return nil, domainError(err)
		}
		return deleteResult{ID: q.ID, Deleted: true}, nil
	case product.GetProductQuery:
		p, err := s.svc.Get(ctx, q.ID)
		if err != nil {
			return nil, domainError(err)
		}
		return p, nil
	case product.GetProductsQuery:
		return s.svc.List(ctx, q.Category)
	default:
		return nil, fmt.Errorf("no handler registered for operation %q", req.Operation())
	}
}

// domainError translates domain sentinels into client-facing errors;
// anything else stays internal for the failure boundary to mask.
func domainError(err error) error {
	if errors.Is(err, product.ErrNotFound) {
		return &pipeline.Error{
			Status:  http.StatusNotFound,
			Code:    "not_found",
			Message: "product not found",
		}
	}
	return err
}

func productID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		(&pipeline.Error{
			Status:  http.StatusBadRequest,
			Code:    "invalid_id",
			Message: "product id must be a valid uuid",
		}).WriteJSON(w)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		(&pipeline.Error{
			Status:  http.StatusBadRequest,
			Code:    "invalid_body",
			Message: "request body must be valid JSON",
		}).WriteJSON(w)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *pipeline.Error
	if !errors.As(err, &apiErr) {
		apiErr = &pipeline.Error{
			Status:  http.StatusInternalServerError,
			Code:    "internal_error",
			Message: "internal server error",
		}
	}
	apiErr.WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
