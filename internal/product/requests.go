package product

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/mstrom/catalog/internal/pipeline"
)

// Each request type declares, as data, whether it mutates state,
// whether and how long its response is cacheable, and which cache
// entries a successful execution invalidates. The pipeline reads these
// declarations; it never infers them.

// CreateProductCommand adds a product to the catalog.
type CreateProductCommand struct {
	Name     string
	Price    float64
	Category string
}

func (CreateProductCommand) Operation() string              { return "CreateProductCommand" }
func (CreateProductCommand) Params() map[string]string      { return nil }
func (CreateProductCommand) Mutating() bool                 { return true }
func (CreateProductCommand) CacheTTL() (time.Duration, bool) { return 0, false }

func (CreateProductCommand) InvalidationKeys() []string {
	return []string{"GetProductsQuery*"}
}

func (c CreateProductCommand) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&c.Price, validation.Required, validation.Min(0.01)),
		validation.Field(&c.Category, validation.Required, validation.Length(1, 100)),
	)
}

// UpdateProductCommand replaces a product's mutable fields. The ID
// comes from the route, not the body.
type UpdateProductCommand struct {
	ID       uuid.UUID `json:"-"`
	Name     string
	Price    float64
	Category string
}

func (UpdateProductCommand) Operation() string               { return "UpdateProductCommand" }
func (UpdateProductCommand) Params() map[string]string       { return nil }
func (UpdateProductCommand) Mutating() bool                  { return true }
func (UpdateProductCommand) CacheTTL() (time.Duration, bool) { return 0, false }

func (c UpdateProductCommand) InvalidationKeys() []string {
	return []string{
		pipeline.Key("GetProductQuery", map[string]string{"id": c.ID.String()}),
		"GetProductsQuery*",
	}
}

func (c UpdateProductCommand) Validate() error {
	if err := requireID(c.ID); err != nil {
		return err
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&c.Price, validation.Required, validation.Min(0.01)),
		validation.Field(&c.Category, validation.Required, validation.Length(1, 100)),
	)
}

// DeleteProductCommand removes a product.
type DeleteProductCommand struct {
	ID uuid.UUID `json:"-"`
}

func (DeleteProductCommand) Operation() string               { return "DeleteProductCommand" }
func (DeleteProductCommand) Params() map[string]string       { return nil }
func (DeleteProductCommand) Mutating() bool                  { return true }
func (DeleteProductCommand) CacheTTL() (time.Duration, bool) { return 0, false }

func (c DeleteProductCommand) InvalidationKeys() []string {
	return []string{
		pipeline.Key("GetProductQuery", map[string]string{"id": c.ID.String()}),
		"GetProductsQuery*",
	}
}

func (c DeleteProductCommand) Validate() error {
	return requireID(c.ID)
}

// GetProductQuery reads one product. TTL comes from configuration.
type GetProductQuery struct {
	ID  uuid.UUID
	TTL time.Duration
}

func (GetProductQuery) Operation() string { return "GetProductQuery" }

func (q GetProductQuery) Params() map[string]string {
	return map[string]string{"id": q.ID.String()}
}

func (GetProductQuery) Mutating() bool { return false }

func (q GetProductQuery) CacheTTL() (time.Duration, bool) { return q.TTL, q.TTL > 0 }

func (GetProductQuery) InvalidationKeys() []string { return nil }

func (q GetProductQuery) Validate() error {
	return requireID(q.ID)
}

// GetProductsQuery lists products with an optional category filter.
type GetProductsQuery struct {
	Category string
	TTL      time.Duration
}

func (GetProductsQuery) Operation() string { return "GetProductsQuery" }

func (q GetProductsQuery) Params() map[string]string {
	if q.Category == "" {
		return nil
	}
	return map[string]string{"category": q.Category}
}

func (GetProductsQuery) Mutating() bool { return false }

func (q GetProductsQuery) CacheTTL() (time.Duration, bool) { return q.TTL, q.TTL > 0 }

func (GetProductsQuery) InvalidationKeys() []string { return nil }

func (q GetProductsQuery) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Category, validation.Length(0, 100)),
	)
}

func requireID(id uuid.UUID) error {
	if id == uuid.Nil {
		return validation.Errors{"id": errors.New("cannot be blank")}
	}
	return nil
}
