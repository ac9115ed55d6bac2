// Package sandbox is a self-contained ProviderAdapter used by the
// demonstration HTTP ingress and by engine tests. It has no real upstream:
// outcomes are either generated deterministically or programmed in
// advance via its Set* methods, the way a payment sandbox lets an
// integrator script specific responses before driving a checkout flow.
//
// Its callback envelope is a JSON wrapper with a discriminated `type`
// field, decoded straight into the engine's Event shape.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"payflow/internal/engine"
	"payflow/internal/models"

	"github.com/google/uuid"
)

// Callback is the JSON envelope ParseCallback decodes.
type Callback struct {
	Type                  string     `json:"type"`
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	PurchasedAt           *time.Time `json:"purchased_at,omitempty"`
	CanceledAt            *time.Time `json:"canceled_at,omitempty"`
	SubscribedAt          *time.Time `json:"subscribed_at,omitempty"`
	DurationSeconds       int64      `json:"duration_seconds,omitempty"`
	Reason                string     `json:"reason,omitempty"`
}

// Adapter is a programmable engine.ProviderAdapter for a single named
// provider ("sandbox" by default).
type Adapter struct {
	name         string
	capabilities engine.AdapterCapabilities

	mu               sync.Mutex
	catalogue        map[string]models.Product
	txOutcomes       map[string]engine.TransactionStatusResult
	subOutcomes      map[string]engine.SubscriptionStatusResult
	rechargeOutcomes map[string][]engine.RechargeOutcome // consumed in order per originalTransactionID
	cancelOK         map[string]bool
}

// New builds a sandbox adapter seeded with a product catalogue.
func New(name string, catalogue map[string]models.Product, capabilities engine.AdapterCapabilities) *Adapter {
	return &Adapter{
		name:             name,
		capabilities:     capabilities,
		catalogue:        catalogue,
		txOutcomes:       make(map[string]engine.TransactionStatusResult),
		subOutcomes:      make(map[string]engine.SubscriptionStatusResult),
		rechargeOutcomes: make(map[string][]engine.RechargeOutcome),
		cancelOK:         make(map[string]bool),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() engine.AdapterCapabilities { return a.capabilities }

func (a *Adapter) RequireProduct(_ context.Context, productID string) (models.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.catalogue[productID]
	if !ok {
		return models.Product{}, fmt.Errorf("sandbox: no such product %q", productID)
	}
	return p, nil
}

func (a *Adapter) PreparePurchaseData(_ context.Context, in engine.PreparePurchaseInput) (engine.PreparePurchaseOutput, error) {
	txID := uuid.NewString()
	return engine.PreparePurchaseOutput{
		Response:      map[string]string{"checkout_url": "https://sandbox.payflow.local/checkout/" + txID},
		TransactionID: txID,
	}, nil
}

func (a *Adapter) PrepareSubscriptionData(_ context.Context, in engine.PrepareSubscriptionInput) (engine.PrepareSubscriptionOutput, error) {
	originalTxID := uuid.NewString()
	return engine.PrepareSubscriptionOutput{
		Response:              map[string]string{"checkout_url": "https://sandbox.payflow.local/checkout/" + originalTxID},
		TransactionID:         originalTxID,
		OriginalTransactionID: originalTxID,
		Duration:              in.Product.Duration,
	}, nil
}

// ParseCallback decodes the sandbox's JSON envelope into an engine.Event.
func (a *Adapter) ParseCallback(_ context.Context, payload []byte) (engine.Event, error) {
	var cb Callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return engine.Event{}, fmt.Errorf("sandbox: invalid callback payload: %w", err)
	}

	event := engine.Event{
		TransactionID:         cb.TransactionID,
		OriginalTransactionID: cb.OriginalTransactionID,
		Duration:              time.Duration(cb.DurationSeconds) * time.Second,
		Reason:                cb.Reason,
	}
	if cb.PurchasedAt != nil {
		event.PurchasedAt = *cb.PurchasedAt
	}
	if cb.CanceledAt != nil {
		event.CanceledAt = *cb.CanceledAt
	}
	if cb.SubscribedAt != nil {
		event.SubscribedAt = *cb.SubscribedAt
	}

	switch cb.Type {
	case "payment-confirmed":
		event.Type = engine.EventPaymentConfirmed
	case "payment-canceled":
		event.Type = engine.EventPaymentCanceled
	case "subscribed":
		event.Type = engine.EventSubscribed
	case "subscription-renewal":
		event.Type = engine.EventSubscriptionRenewal
	case "subscription-canceled":
		event.Type = engine.EventSubscriptionCanceled
	default:
		return engine.Event{}, fmt.Errorf("%w: sandbox callback type %q", engine.ErrUnrecognizedEvent, cb.Type)
	}
	return event, nil
}

func (a *Adapter) QueryTransactionStatus(_ context.Context, transactionID string) (engine.TransactionStatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if result, ok := a.txOutcomes[transactionID]; ok {
		return result, nil
	}
	return engine.TransactionStatusResult{Type: engine.TransactionStatusSuccess, PurchasedAt: time.Now()}, nil
}

func (a *Adapter) QuerySubscriptionStatus(_ context.Context, originalTransactionID string) (engine.SubscriptionStatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if result, ok := a.subOutcomes[originalTransactionID]; ok {
		return result, nil
	}
	return engine.SubscriptionStatusResult{
		Type:                  engine.SubscriptionStatusSubscribed,
		SubscribedAt:          time.Now(),
		OriginalTransactionID: originalTransactionID,
	}, nil
}

func (a *Adapter) RechargeSubscription(_ context.Context, originalTransactionID string, _ int) (engine.RechargeOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	queue := a.rechargeOutcomes[originalTransactionID]
	if len(queue) == 0 {
		return engine.RechargeOutcome{}, fmt.Errorf("sandbox: no recharge outcome programmed for %q", originalTransactionID)
	}
	outcome := queue[0]
	a.rechargeOutcomes[originalTransactionID] = queue[1:]
	if outcome.Type == engine.RechargeRenewed && outcome.TransactionID == "" {
		outcome.TransactionID = uuid.NewString()
	}
	return outcome, nil
}

func (a *Adapter) CancelSubscription(_ context.Context, originalTransactionID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok, exists := a.cancelOK[originalTransactionID]; exists {
		return ok, nil
	}
	return true, nil
}

// SetTransactionStatus programs the outcome QueryTransactionStatus returns
// for transactionID.
func (a *Adapter) SetTransactionStatus(transactionID string, result engine.TransactionStatusResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txOutcomes[transactionID] = result
}

// SetSubscriptionStatus programs the outcome QuerySubscriptionStatus returns
// for originalTransactionID.
func (a *Adapter) SetSubscriptionStatus(originalTransactionID string, result engine.SubscriptionStatusResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subOutcomes[originalTransactionID] = result
}

// QueueRechargeOutcomes programs the ordered sequence of outcomes
// RechargeSubscription returns for originalTransactionID, one per call.
func (a *Adapter) QueueRechargeOutcomes(originalTransactionID string, outcomes ...engine.RechargeOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rechargeOutcomes[originalTransactionID] = append(a.rechargeOutcomes[originalTransactionID], outcomes...)
}

// SetCancelResult programs CancelSubscription's return value for originalTransactionID.
func (a *Adapter) SetCancelResult(originalTransactionID string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelOK[originalTransactionID] = ok
}
