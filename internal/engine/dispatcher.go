package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payflow/internal/models"
)

// HandleCallback routes one provider-initiated event: parse, locate the
// target aggregate, apply the transition under its optimistic lock.
func (e *Engine) HandleCallback(ctx context.Context, provider string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return ErrCanceled
	}

	adapter, err := e.registry.Adapter(provider)
	if err != nil {
		return err
	}

	event, err := adapter.ParseCallback(ctx, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}

	now := e.clock.Now()

	switch event.Type {
	case EventPaymentConfirmed:
		id := models.TxIdentity{Provider: provider, TransactionID: event.TransactionID}
		confirmed, err := e.repo.UpdateTransaction(ctx, id, func(tx *models.Transaction) ([]models.Action, error) {
			purchasedAt := event.PurchasedAt
			if purchasedAt.IsZero() {
				purchasedAt = now
			}
			if err := confirmTransaction(tx, purchasedAt, now); err != nil {
				return nil, err
			}
			return e.actionsForConfirmedTransaction(tx), nil
		})
		if err != nil {
			return rejectTerminalConflict(err)
		}
		// A subscription-type transaction with an OriginalTransactionID is
		// by construction its subscription's initiating transaction —
		// renewals are delivered as EventSubscriptionRenewal instead.
		return e.advanceOwningSubscription(ctx, confirmed)

	case EventPaymentCanceled:
		id := models.TxIdentity{Provider: provider, TransactionID: event.TransactionID}
		_, err := e.repo.UpdateTransaction(ctx, id, func(tx *models.Transaction) ([]models.Action, error) {
			return nil, cancelTransaction(tx, now)
		})
		return rejectTerminalConflict(err)

	case EventSubscribed:
		id := models.SubIdentity{Provider: provider, OriginalTransactionID: event.OriginalTransactionID}
		_, err := e.repo.UpdateSubscription(ctx, id, func(sub *models.Subscription) ([]models.Action, error) {
			if sub.CanceledAt != nil {
				return nil, ErrConflictingTerminalTransition
			}
			if sub.RenewalEnabled {
				// Linkage already bound: a redelivered subscribed event is
				// rejected loudly, same as a terminal replay.
				return nil, ErrConflictingTerminalTransition
			}
			bindSubscribedLinkage(sub)
			return nil, nil
		})
		return rejectTerminalConflict(err)

	case EventSubscriptionRenewal:
		return e.applyRenewalCallback(ctx, provider, event, now)

	case EventSubscriptionCanceled:
		id := models.SubIdentity{Provider: provider, OriginalTransactionID: event.OriginalTransactionID}
		_, err := e.repo.UpdateSubscription(ctx, id, func(sub *models.Subscription) ([]models.Action, error) {
			return nil, cancelSubscription(sub, now)
		})
		return rejectTerminalConflict(err)

	default:
		return fmt.Errorf("%w: %q", ErrUnrecognizedEvent, event.Type)
	}
}

// applyRenewalCallback handles the rarer push-style renewal delivered
// directly through a callback rather than discovered by CheckSubscriptionRenewal.
func (e *Engine) applyRenewalCallback(ctx context.Context, provider string, event Event, now time.Time) error {
	id := models.SubIdentity{Provider: provider, OriginalTransactionID: event.OriginalTransactionID}

	sub, err := e.repo.FindSubscription(ctx, provider, event.OriginalTransactionID)
	if err != nil {
		return err
	}
	if sub.CanceledAt != nil {
		return fmt.Errorf("%w: subscription already canceled", ErrCallbackRejected)
	}

	outcome := RechargeOutcome{
		Type:          RechargeRenewed,
		TransactionID: event.TransactionID,
		PurchasedAt:   event.PurchasedAt,
		Duration:      event.Duration,
	}
	tx := buildRenewalTransaction(sub, outcome)
	if err := e.repo.InsertTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateAggregate) {
			// Already applied by a prior delivery of this same event.
			return nil
		}
		return err
	}

	_, err = e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
		if s.CanceledAt != nil {
			return nil, ErrConflictingTerminalTransition
		}
		applyRenewed(s, outcome, tx)
		return nil, nil
	})
	return rejectTerminalConflict(err)
}

// actionsForConfirmedTransaction returns the side effects to enqueue when a
// transaction tied to a subscription's original transaction is confirmed.
// Bare purchases enqueue nothing here.
func (e *Engine) actionsForConfirmedTransaction(tx *models.Transaction) []models.Action {
	if tx.Type != models.ProductSubscription {
		return nil
	}
	return []models.Action{{
		ActionID: fmt.Sprintf("notify-activated:%s:%s", tx.Provider, tx.TransactionID),
		Kind:     models.ActionNotifySubscriptionActive,
		PayloadJSON: fmt.Sprintf(`{"provider":%q,"transaction_id":%q,"user_id":%q}`,
			tx.Provider, tx.TransactionID, tx.UserID),
	}}
}

// rejectTerminalConflict translates a conflicting terminal transition into
// the callback-specific rejection callers observe, while letting
// ErrNotFound and other errors pass through unchanged.
func rejectTerminalConflict(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflictingTerminalTransition) {
		return fmt.Errorf("%w: %w", ErrCallbackRejected, ErrConflictingTerminalTransition)
	}
	return err
}
