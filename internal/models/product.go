package models

import "time"

// ProductType distinguishes a recurring entitlement from a one-shot purchase.
type ProductType string

const (
	ProductSubscription ProductType = "subscription"
	ProductPurchase     ProductType = "purchase"
)

// Product is a provider-resolved descriptor. It is immutable once cached
// by the registry and is never persisted by the engine itself; the
// provider adapter is the source of truth for its own catalogue.
type Product struct {
	ID   string
	Type ProductType

	// Group names a mutually-exclusive product family (e.g. "membership").
	// Empty for products with no plan-change semantics.
	Group string

	// Duration is required for subscriptions and zero for purchases.
	Duration time.Duration
}

// IsSubscription reports whether the product is a recurring entitlement.
func (p Product) IsSubscription() bool {
	return p.Type == ProductSubscription
}
