package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payflow/internal/models"
)

// PrepareSubscriptionRequest is the input to PrepareSubscription.
type PrepareSubscriptionRequest struct {
	Provider  string
	UserID    string
	ProductID string
}

// PrepareSubscriptionHandle is returned to the caller.
type PrepareSubscriptionHandle struct {
	OriginalTransactionID string
	Response              any
}

// PrepareSubscription resolves or begins a subscription, handling
// the idempotent same-plan case and the plan-change case.
func (e *Engine) PrepareSubscription(ctx context.Context, req PrepareSubscriptionRequest) (PrepareSubscriptionHandle, error) {
	if err := ctx.Err(); err != nil {
		return PrepareSubscriptionHandle{}, ErrCanceled
	}

	product, err := e.registry.RequireProduct(ctx, req.Provider, req.ProductID)
	if err != nil {
		return PrepareSubscriptionHandle{}, err
	}
	if !product.IsSubscription() {
		return PrepareSubscriptionHandle{}, fmt.Errorf("%w: %s is not a subscription", ErrWrongProductType, req.ProductID)
	}

	adapter, err := e.registry.Adapter(req.Provider)
	if err != nil {
		return PrepareSubscriptionHandle{}, err
	}

	existing, err := e.repo.ListSubscriptionsActiveForUserGroup(ctx, req.UserID, product.Group)
	if err != nil {
		return PrepareSubscriptionHandle{}, err
	}

	now := e.clock.Now()
	var prior *models.Subscription
	for i := range existing {
		s := existing[i]
		if s.Status(now) == models.SubscriptionCanceled {
			continue
		}
		if s.ProductID == req.ProductID {
			// Same plan already pending/active: idempotent re-prepare.
			return PrepareSubscriptionHandle{OriginalTransactionID: s.OriginalTransactionID}, nil
		}
		prior = &s
	}

	// Plan change: the new subscription's coverage begins where the prior
	// one ends, keeping entitlement contiguous.
	startsAt := now
	if prior != nil {
		if !adapter.Capabilities().SupportsCancelSubscription {
			return PrepareSubscriptionHandle{}, fmt.Errorf("%w: %s cannot cancel subscriptions for plan change", ErrCapabilityUnsupported, req.Provider)
		}
		startsAt = prior.ExpiresAt
	}

	// The payment window always opens now, regardless of when coverage
	// starts: paymentExpiresAt = createdAt + purchaseExpiresAfter.
	paymentExpiresAt := now.Add(e.config.PurchaseExpiresAfter)

	out, err := adapter.PrepareSubscriptionData(ctx, PrepareSubscriptionInput{
		StartsAt:         startsAt,
		Product:          product,
		PaymentExpiresAt: paymentExpiresAt,
		UserID:           req.UserID,
	})
	if err != nil {
		return PrepareSubscriptionHandle{}, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	raw, _ := json.Marshal(out.Response)
	initialTx := &models.Transaction{
		Provider:              req.Provider,
		TransactionID:         out.TransactionID,
		UserID:                req.UserID,
		ProductID:             req.ProductID,
		Type:                  models.ProductSubscription,
		OriginalTransactionID: out.OriginalTransactionID,
		StartsAt:              startsAt,
		PaymentExpiresAt:      paymentExpiresAt,
		Duration:              out.Duration,
		Raw:                   string(raw),
	}

	sub := &models.Subscription{
		Provider:              req.Provider,
		OriginalTransactionID: out.OriginalTransactionID,
		UserID:                req.UserID,
		ProductGroup:          product.Group,
		ProductID:             req.ProductID,
	}
	sub.SetTransactionRefs([]models.TxIdentity{initialTx.Identity()})

	var planChangeActions []models.Action
	if prior != nil {
		priorID := prior.Identity()
		planChangeActions = append(planChangeActions, models.Action{
			ActionID:      fmt.Sprintf("cancel-prior:%s:%s", priorID.Provider, priorID.OriginalTransactionID),
			Kind:          models.ActionCancelPriorSubscription,
			AggregateKind: models.AggregateSubscription,
			AggregateID:   priorID.String(),
			PayloadJSON:   fmt.Sprintf(`{"provider":%q,"original_transaction_id":%q}`, priorID.Provider, priorID.OriginalTransactionID),
		})
	}

	// Write the new aggregate first (pending), in forward-recoverable
	// order: the cancel-prior-subscription action is persisted in the same
	// write, so a crash before it is dispatched is recovered by Drain
	// rather than by retrying PrepareSubscription itself.
	if err := e.repo.InsertSubscription(ctx, sub, initialTx, planChangeActions...); err != nil {
		return PrepareSubscriptionHandle{}, err
	}

	// Best-effort inline dispatch so the prior subscription flips to
	// canceled on the happy path without waiting for the next Drain pass.
	for _, action := range planChangeActions {
		e.actions.dispatchOnce(ctx, action)
	}

	return PrepareSubscriptionHandle{OriginalTransactionID: out.OriginalTransactionID, Response: out.Response}, nil
}

// CancelSubscription is the operator-initiated cancellation: tell the
// provider, then mark the aggregate canceled while retaining the
// already-paid coverage window.
func (e *Engine) CancelSubscription(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCanceled
	}

	adapter, err := e.registry.Adapter(provider)
	if err != nil {
		return nil, err
	}
	if !adapter.Capabilities().SupportsCancelSubscription {
		return nil, fmt.Errorf("%w: %s cannot cancel subscriptions", ErrCapabilityUnsupported, provider)
	}

	id := models.SubIdentity{Provider: provider, OriginalTransactionID: originalTransactionID}
	now := e.clock.Now()
	return e.repo.UpdateSubscription(ctx, id, func(sub *models.Subscription) ([]models.Action, error) {
		if sub.CanceledAt != nil {
			return nil, ErrConflictingTerminalTransition
		}
		ok, err := adapter.CancelSubscription(ctx, originalTransactionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: provider declined cancellation", ErrProviderFailure)
		}
		return nil, cancelSubscription(sub, now)
	})
}

// advanceOwningSubscription folds a just-confirmed initiating transaction
// into its subscription, moving it pending towards not-start/active. Both
// confirmation paths — callback and poll — go through here, so a lost
// payment-confirmed callback is fully recovered by the next
// CheckTransactions pass. Safe because the pending → completed transition
// happens at most once per transaction; a canceled subscription is left
// untouched.
func (e *Engine) advanceOwningSubscription(ctx context.Context, confirmed *models.Transaction) error {
	if confirmed.Type != models.ProductSubscription || confirmed.OriginalTransactionID == "" {
		return nil
	}
	id := models.SubIdentity{Provider: confirmed.Provider, OriginalTransactionID: confirmed.OriginalTransactionID}
	_, err := e.repo.UpdateSubscription(ctx, id, func(sub *models.Subscription) ([]models.Action, error) {
		if sub.CanceledAt != nil {
			return nil, nil
		}
		advanceSubscriptionOnConfirm(sub, confirmed.StartsAt, confirmed.Duration)
		return nil, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// advanceSubscriptionOnConfirm moves a subscription from pending towards
// not-start/active once its initiating transaction is confirmed.
// Extends expiresAt by the transaction's duration.
func advanceSubscriptionOnConfirm(sub *models.Subscription, startsAt time.Time, duration time.Duration) {
	if sub.StartsAt.IsZero() {
		sub.StartsAt = startsAt
		sub.ExpiresAt = startsAt.Add(duration)
		return
	}
	sub.ExpiresAt = sub.ExpiresAt.Add(duration)
}

// bindSubscribedLinkage applies the out-of-band `subscribed` event.
func bindSubscribedLinkage(sub *models.Subscription) {
	sub.RenewalEnabled = true
}

// cancelSubscription applies a direct cancellation (callback or operator),
// retaining the original-period entitlement.
func cancelSubscription(sub *models.Subscription, now time.Time) error {
	if sub.CanceledAt != nil {
		return ErrConflictingTerminalTransition
	}
	canceledAt := now
	sub.CanceledAt = &canceledAt
	sub.RenewalEnabled = false
	return nil
}

// buildRenewalTransaction materializes the completed transaction a
// RechargeRenewed outcome represents. It is inserted as its own aggregate
// before the subscription is updated to reference it: a crash in between
// leaves a completed, unreferenced transaction that the next renewal pass
// simply re-attempts over.
func buildRenewalTransaction(sub *models.Subscription, outcome RechargeOutcome) *models.Transaction {
	purchasedAt := outcome.PurchasedAt
	completedAt := outcome.PurchasedAt
	return &models.Transaction{
		Provider:              sub.Provider,
		TransactionID:         outcome.TransactionID,
		UserID:                sub.UserID,
		ProductID:             sub.ProductID,
		Type:                  models.ProductSubscription,
		OriginalTransactionID: sub.OriginalTransactionID,
		StartsAt:              purchasedAt,
		PaymentExpiresAt:      purchasedAt,
		PurchasedAt:           &purchasedAt,
		CompletedAt:           &completedAt,
		Duration:              outcome.Duration,
	}
}

// applyRenewed folds a RechargeRenewed outcome into the subscription; tx
// must already be durably inserted (see buildRenewalTransaction).
func applyRenewed(sub *models.Subscription, outcome RechargeOutcome, tx *models.Transaction) {
	sub.ExpiresAt = sub.ExpiresAt.Add(outcome.Duration)
	sub.RechargeAttempt = 0
	sub.LastFailedAt = nil
	sub.AppendTransactionRef(tx.Identity())
}

// applyRechargeFailed folds a RechargeFailed outcome into the subscription.
func applyRechargeFailed(sub *models.Subscription, outcome RechargeOutcome) {
	failedAt := outcome.FailedAt
	sub.LastFailedAt = &failedAt
	sub.RechargeAttempt++
}

// applyRechargeCanceled folds a RechargeCanceled outcome into the subscription.
func applyRechargeCanceled(sub *models.Subscription, outcome RechargeOutcome) {
	canceledAt := outcome.CanceledAt
	sub.CanceledAt = &canceledAt
	sub.RenewalEnabled = false
}
