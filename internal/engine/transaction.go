package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"payflow/internal/models"
)

// confirmTransaction applies the payment-confirmed transition.
// Re-applying it to an already-terminal transaction is a loud conflict,
// never a silent no-op.
func confirmTransaction(tx *models.Transaction, purchasedAt, now time.Time) error {
	if tx.IsTerminal() {
		return ErrConflictingTerminalTransition
	}
	tx.PurchasedAt = &purchasedAt
	completedAt := now
	tx.CompletedAt = &completedAt
	return nil
}

// cancelTransaction applies the payment-canceled / expiry transition.
func cancelTransaction(tx *models.Transaction, now time.Time) error {
	if tx.IsTerminal() {
		return ErrConflictingTerminalTransition
	}
	canceledAt := now
	tx.CanceledAt = &canceledAt
	return nil
}

// PreparePurchaseRequest is the input to PreparePurchase.
type PreparePurchaseRequest struct {
	Provider  string
	UserID    string
	ProductID string
}

// PreparePurchaseHandle is returned to the caller to forward to its
// provider client, together with a handle for later lookup.
type PreparePurchaseHandle struct {
	TransactionID string
	Response      any
}

// PreparePurchase begins a one-off purchase. The engine persists a
// pending transaction and returns the adapter's opaque response payload.
func (e *Engine) PreparePurchase(ctx context.Context, req PreparePurchaseRequest) (PreparePurchaseHandle, error) {
	if err := ctx.Err(); err != nil {
		return PreparePurchaseHandle{}, ErrCanceled
	}

	product, err := e.registry.RequireProduct(ctx, req.Provider, req.ProductID)
	if err != nil {
		return PreparePurchaseHandle{}, err
	}
	if product.IsSubscription() {
		return PreparePurchaseHandle{}, fmt.Errorf("%w: %s is a subscription product", ErrWrongProductType, req.ProductID)
	}

	adapter, err := e.registry.Adapter(req.Provider)
	if err != nil {
		return PreparePurchaseHandle{}, err
	}

	now := e.clock.Now()
	expiresAt := now.Add(e.config.PurchaseExpiresAfter)

	out, err := adapter.PreparePurchaseData(ctx, PreparePurchaseInput{
		ProductID:        req.ProductID,
		PaymentExpiresAt: expiresAt,
		UserID:           req.UserID,
	})
	if err != nil {
		return PreparePurchaseHandle{}, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	raw, _ := json.Marshal(out.Response)
	tx := &models.Transaction{
		Provider:         req.Provider,
		TransactionID:    out.TransactionID,
		UserID:           req.UserID,
		ProductID:        req.ProductID,
		Type:             models.ProductPurchase,
		StartsAt:         now,
		PaymentExpiresAt: expiresAt,
		Raw:              string(raw),
	}

	if err := e.repo.InsertTransaction(ctx, tx); err != nil {
		return PreparePurchaseHandle{}, err
	}

	return PreparePurchaseHandle{TransactionID: out.TransactionID, Response: out.Response}, nil
}
