// Package product implements the catalog domain: the Product entity,
// its storage backends and the request types the pipeline executes.
package product

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrNotFound is returned when no product matches the given ID.
var ErrNotFound = errors.New("product not found")

// Product is a catalog entry.
type Product struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists products.
type Store interface {
	Insert(ctx context.Context, p Product) error
	Update(ctx context.Context, p Product) error
	Get(ctx context.Context, id uuid.UUID) (Product, error)
	// List returns products, optionally filtered by category, ordered by
	// creation time.
	List(ctx context.Context, category string) ([]Product, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// MemoryStore keeps products in a concurrent map. It is the default
// backend and the one tests run against.
type MemoryStore struct {
	products *xsync.MapOf[uuid.UUID, Product]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: xsync.NewMapOf[uuid.UUID, Product]()}
}

func (s *MemoryStore) Insert(_ context.Context, p Product) error {
	s.products.Store(p.ID, p)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, p Product) error {
	updated := false
	s.products.Compute(p.ID, func(old Product, loaded bool) (Product, bool) {
		if !loaded {
			return old, true
		}
		updated = true
		return p, false
	})
	if !updated {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Product, error) {
	p, ok := s.products.Load(id)
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) List(_ context.Context, category string) ([]Product, error) {
	out := make([]Product, 0)
	s.products.Range(func(_ uuid.UUID, p Product) bool {
		if category == "" || p.Category == category {
			out = append(out, p)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := s.products.LoadAndDelete(id); !ok {
		return ErrNotFound
	}
	return nil
}

// Service is the domain service the pipeline wraps. It holds no
// cross-cutting logic: idempotency, caching and validation all live in
// the envelope around it.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a Service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create stores a new product and returns it.
func (s *Service) Create(ctx context.Context, name string, price float64, category string) (Product, error) {
	p := Product{
		ID:        uuid.New(),
		Name:      name,
		Price:     price,
		Category:  category,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Insert(ctx, p); err != nil {
		return Product{}, err
	}
	return p, nil
}

// Update replaces the mutable fields of an existing product.
func (s *Service) Update(ctx context.Context, id uuid.UUID, name string, price float64, category string) (Product, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Product{}, err
	}
	p.Name = name
	p.Price = price
	p.Category = category
	if err := s.store.Update(ctx, p); err != nil {
		return Product{}, err
	}
	return p, nil
}

// Get returns one product by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Product, error) {
	return s.store.Get(ctx, id)
}

// List returns products, optionally filtered by category.
func (s *Service) List(ctx context.Context, category string) ([]Product, error) {
	return s.store.List(ctx, category)
}

// Delete removes a product by ID.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, id)
}
