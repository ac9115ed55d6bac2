package engine

import (
	"context"
	"fmt"
	"sync"

	"payflow/internal/models"

	"golang.org/x/sync/singleflight"
)

// Registry is the configuration-time mapping from provider name to
// adapter. Product descriptors resolved through it are cached for the
// lifetime of the engine process and never mutated.
type Registry struct {
	adapters map[string]ProviderAdapter

	mu    sync.RWMutex
	cache map[productCacheKey]models.Product

	// flight collapses concurrent cache misses for the same product into
	// one adapter call.
	flight singleflight.Group
}

type productCacheKey struct {
	provider  string
	productID string
}

// NewRegistry builds a Registry from a static set of named adapters.
func NewRegistry(adapters map[string]ProviderAdapter) *Registry {
	return &Registry{
		adapters: adapters,
		cache:    make(map[productCacheKey]models.Product),
	}
}

// Adapter returns the adapter registered under name.
func (r *Registry) Adapter(provider string) (ProviderAdapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("engine: unknown provider %q", provider)
	}
	return a, nil
}

// RequireProduct resolves a product-id against the named provider, caching
// the descriptor by (provider, productId) for the process lifetime.
func (r *Registry) RequireProduct(ctx context.Context, provider, productID string) (models.Product, error) {
	key := productCacheKey{provider: provider, productID: productID}

	r.mu.RLock()
	if p, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.flight.Do(provider+"/"+productID, func() (any, error) {
		adapter, err := r.Adapter(provider)
		if err != nil {
			return models.Product{}, err
		}

		product, err := adapter.RequireProduct(ctx, productID)
		if err != nil {
			return models.Product{}, fmt.Errorf("%w: %s/%s: %v", ErrUnknownProduct, provider, productID, err)
		}

		r.mu.Lock()
		r.cache[key] = product
		r.mu.Unlock()
		return product, nil
	})
	if err != nil {
		return models.Product{}, err
	}
	return result.(models.Product), nil
}

// Providers lists every registered provider name.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
