package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"vendora.org/internal/money"
)

// Product is the catalog view the fulfillment core needs: price at checkout,
// download policy at fulfillment, and the blob reference handed to the
// file-store collaborator. Limit and TTL are nil when unlimited / never.
type Product struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Price         money.Money    `json:"price"`
	DownloadLimit *int           `json:"download_limit,omitempty"`
	DownloadTTL   *time.Duration `json:"download_ttl,omitempty"`
	FileBlobRef   string         `json:"file_blob_ref"`
	Available     bool           `json:"available"`
}

var ErrUnknownProduct = errors.New("catalog: unknown product")

// Resolver looks up catalog data. Read-only; the catalog itself is owned by
// an external collaborator.
type Resolver interface {
	Resolve(ctx context.Context, productID string) (Product, error)
}

// InMemory is a Resolver backed by a map, used in tests and single-binary runs.
type InMemory struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewInMemory() *InMemory {
	return &InMemory{products: make(map[string]Product)}
}

// Put registers or replaces a product.
func (c *InMemory) Put(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

func (c *InMemory) Resolve(ctx context.Context, productID string) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok || !p.Available {
		return Product{}, ErrUnknownProduct
	}
	return p, nil
}
