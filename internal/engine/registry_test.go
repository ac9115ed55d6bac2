package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"payflow/internal/engine"
	"payflow/internal/models"
	"payflow/internal/provider/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAdapter wraps the sandbox adapter to count catalogue lookups.
type countingAdapter struct {
	*sandbox.Adapter
	lookups atomic.Int64
}

func (a *countingAdapter) RequireProduct(ctx context.Context, productID string) (models.Product, error) {
	a.lookups.Add(1)
	return a.Adapter.RequireProduct(ctx, productID)
}

func TestRegistryCachesProductDescriptors(t *testing.T) {
	adapter := &countingAdapter{
		Adapter: sandbox.New(providerName, map[string]models.Product{
			monthlyProduct: {ID: monthlyProduct, Type: models.ProductSubscription, Group: membershipGroup, Duration: 30 * 24 * time.Hour},
		}, engine.AdapterCapabilities{}),
	}
	registry := engine.NewRegistry(map[string]engine.ProviderAdapter{providerName: adapter})
	ctx := context.Background()

	first, err := registry.RequireProduct(ctx, providerName, monthlyProduct)
	require.NoError(t, err)
	second, err := registry.RequireProduct(ctx, providerName, monthlyProduct)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), adapter.lookups.Load())
}

func TestRegistryUnknownProduct(t *testing.T) {
	registry := engine.NewRegistry(map[string]engine.ProviderAdapter{
		providerName: sandbox.New(providerName, nil, engine.AdapterCapabilities{}),
	})

	_, err := registry.RequireProduct(context.Background(), providerName, "missing")
	require.ErrorIs(t, err, engine.ErrUnknownProduct)
}

func TestRegistryUnknownProvider(t *testing.T) {
	registry := engine.NewRegistry(nil)

	_, err := registry.Adapter("nope")
	require.Error(t, err)

	_, err = registry.RequireProduct(context.Background(), "nope", monthlyProduct)
	require.Error(t, err)
}
