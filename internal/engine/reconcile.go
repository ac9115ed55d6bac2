package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payflow/internal/models"
)

// ErrSink receives one (aggregateID, error) pair per failed item in a batch
// operation; the batch continues regardless.
type ErrSink func(aggregateID string, err error)

func noopSink(string, error) {}

func sink(fn ErrSink) ErrSink {
	if fn == nil {
		return noopSink
	}
	return fn
}

// CheckTransactions is the first reconciliation loop: every pending
// transaction past its payment-expiry window is polled and resolved.
func (e *Engine) CheckTransactions(ctx context.Context, provider string, errSink ErrSink) error {
	report := sink(errSink)
	_, err := e.leases.withLease(ctx, provider+":check-transactions", func(ctx context.Context) error {
		now := e.clock.Now()
		pending, err := e.repo.ListPendingTransactions(ctx, provider, &now)
		if err != nil {
			return err
		}

		adapter, err := e.registry.Adapter(provider)
		if err != nil {
			return err
		}

		for _, tx := range pending {
			if ctx.Err() != nil {
				return ErrCanceled
			}
			if err := e.reconcileOneTransaction(ctx, adapter, tx, now); err != nil {
				report(tx.Identity().String(), err)
			}
		}
		return nil
	})
	return err
}

func (e *Engine) reconcileOneTransaction(ctx context.Context, adapter ProviderAdapter, tx models.Transaction, now time.Time) error {
	result, err := adapter.QueryTransactionStatus(ctx, tx.TransactionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	id := tx.Identity()
	switch result.Type {
	case TransactionStatusSuccess:
		purchasedAt := result.PurchasedAt
		if purchasedAt.IsZero() {
			purchasedAt = now
		}
		var confirmed *models.Transaction
		confirmed, err = e.repo.UpdateTransaction(ctx, id, func(t *models.Transaction) ([]models.Action, error) {
			if err := confirmTransaction(t, purchasedAt, now); err != nil {
				return nil, err
			}
			return e.actionsForConfirmedTransaction(t), nil
		})
		if err != nil {
			return err
		}
		// Poll-success has the same effect as the callback: a lost
		// payment-confirmed notification must not strand the owning
		// subscription in pending.
		return e.advanceOwningSubscription(ctx, confirmed)
	case TransactionStatusCanceled:
		_, err = e.repo.UpdateTransaction(ctx, id, func(t *models.Transaction) ([]models.Action, error) {
			return nil, cancelTransaction(t, now)
		})
	default:
		err = fmt.Errorf("%w: transaction status %q", ErrUnrecognizedEvent, result.Type)
	}
	if err != nil {
		return err
	}

	if tx.Type == models.ProductSubscription && tx.OriginalTransactionID != "" && e.config.CascadeExpiredInitialTransaction {
		return e.cascadeIfExpired(ctx, tx, now)
	}
	return nil
}

// cascadeIfExpired handles an initiating transaction canceled by expiry
// rather than confirmed: the subscription itself cascades to canceled
// rather than being left pending forever.
func (e *Engine) cascadeIfExpired(ctx context.Context, tx models.Transaction, now time.Time) error {
	refreshed, err := e.repo.FindTransaction(ctx, tx.Provider, tx.TransactionID)
	if err != nil {
		return err
	}
	if refreshed.Status() != models.TransactionCanceled {
		return nil
	}

	id := models.SubIdentity{Provider: tx.Provider, OriginalTransactionID: tx.OriginalTransactionID}
	_, err = e.repo.UpdateSubscription(ctx, id, func(sub *models.Subscription) ([]models.Action, error) {
		if sub.CanceledAt != nil || !sub.StartsAt.IsZero() {
			return nil, nil
		}
		return nil, cancelSubscription(sub, now)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CheckSubscriptionRenewal implements the second reconciliation loop: every
// subscription due for renewal gets one recharge attempt.
func (e *Engine) CheckSubscriptionRenewal(ctx context.Context, provider string, errSink ErrSink) error {
	report := sink(errSink)
	_, err := e.leases.withLease(ctx, provider+":check-renewal", func(ctx context.Context) error {
		now := e.clock.Now()
		due, err := e.repo.ListSubscriptionsDueForRenewal(ctx, provider, now, e.config.RenewalBefore)
		if err != nil {
			return err
		}

		adapter, err := e.registry.Adapter(provider)
		if err != nil {
			return err
		}

		for _, sub := range due {
			if ctx.Err() != nil {
				return ErrCanceled
			}
			if err := e.reconcileOneRenewal(ctx, adapter, sub, now); err != nil {
				report(sub.Identity().String(), err)
			}
		}
		return nil
	})
	return err
}

func (e *Engine) reconcileOneRenewal(ctx context.Context, adapter ProviderAdapter, sub models.Subscription, now time.Time) error {
	id := sub.Identity()

	// Retries stop once entitlement has lapsed: a subscription whose
	// coverage ran out without a successful recharge is canceled rather
	// than recharged late.
	if !sub.ExpiresAt.After(now) {
		_, err := e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
			if s.CanceledAt != nil || s.ExpiresAt.After(now) {
				return nil, nil
			}
			return nil, cancelSubscription(s, now)
		})
		return err
	}

	claimed, err := e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
		if s.RenewalInFlight {
			return nil, ErrConflict
		}
		s.RenewalInFlight = true
		return nil, nil
	})
	if err != nil {
		return err
	}
	defer e.releaseRenewalClaim(ctx, id)

	outcome, err := adapter.RechargeSubscription(ctx, sub.OriginalTransactionID, claimed.RechargeAttempt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	switch outcome.Type {
	case RechargeRenewed:
		tx := buildRenewalTransaction(claimed, outcome)
		if err := e.repo.InsertTransaction(ctx, tx); err != nil {
			if errors.Is(err, ErrDuplicateAggregate) {
				return nil
			}
			return err
		}
		_, err = e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
			applyRenewed(s, outcome, tx)
			return nil, nil
		})
		return err
	case RechargeFailed:
		_, err = e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
			applyRechargeFailed(s, outcome)
			return nil, nil
		})
		return err
	case RechargeCanceled:
		_, err = e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
			applyRechargeCanceled(s, outcome)
			return nil, nil
		})
		return err
	default:
		return fmt.Errorf("%w: recharge outcome %q", ErrUnrecognizedEvent, outcome.Type)
	}
}

func (e *Engine) releaseRenewalClaim(ctx context.Context, id models.SubIdentity) {
	_, _ = e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
		s.RenewalInFlight = false
		return nil, nil
	})
}

// CheckUncompletedSubscription implements the third reconciliation loop:
// subscriptions whose initiating transaction confirmed but whose
// `subscribed` linkage event never arrived are polled directly.
func (e *Engine) CheckUncompletedSubscription(ctx context.Context, provider string, errSink ErrSink) error {
	report := sink(errSink)
	_, err := e.leases.withLease(ctx, provider+":check-linkage", func(ctx context.Context) error {
		missing, err := e.repo.ListSubscriptionsMissingLinkage(ctx, provider)
		if err != nil {
			return err
		}

		adapter, err := e.registry.Adapter(provider)
		if err != nil {
			return err
		}
		if !adapter.Capabilities().SupportsSubscribedEvent {
			return nil
		}

		for _, sub := range missing {
			if ctx.Err() != nil {
				return ErrCanceled
			}
			if err := e.reconcileOneLinkage(ctx, adapter, sub); err != nil {
				report(sub.Identity().String(), err)
			}
		}
		return nil
	})
	return err
}

func (e *Engine) reconcileOneLinkage(ctx context.Context, adapter ProviderAdapter, sub models.Subscription) error {
	result, err := adapter.QuerySubscriptionStatus(ctx, sub.OriginalTransactionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	id := sub.Identity()
	switch result.Type {
	case SubscriptionStatusSubscribed:
		_, err = e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
			if s.CanceledAt != nil {
				return nil, nil
			}
			bindSubscribedLinkage(s)
			return nil, nil
		})
	case SubscriptionStatusCanceled:
		now := e.clock.Now()
		_, err = e.repo.UpdateSubscription(ctx, id, func(s *models.Subscription) ([]models.Action, error) {
			if s.CanceledAt != nil {
				return nil, nil
			}
			return nil, cancelSubscription(s, now)
		})
	default:
		err = fmt.Errorf("%w: subscription status %q", ErrUnrecognizedEvent, result.Type)
	}
	return err
}
