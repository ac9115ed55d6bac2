// Package gormrepo is the GORM-backed production engine.Repository. Every
// aggregate write happens inside one DB.Transaction and is guarded by a
// version compare-and-swap rather than a row lock, so the same code path
// behaves identically on the SQLite development fallback and on Postgres.
package gormrepo

import (
	"context"
	"errors"
	"strings"
	"time"

	"payflow/internal/engine"
	"payflow/internal/models"

	"gorm.io/gorm"
)

// Repository implements engine.Repository against a *gorm.DB.
type Repository struct {
	db            *gorm.DB
	maxCASRetries int
}

// New wraps db. maxCASRetries bounds the optimistic-concurrency retry loop
// on UpdateTransaction/UpdateSubscription; 0 means "try once, no retry".
func New(db *gorm.DB, maxCASRetries int) *Repository {
	if maxCASRetries < 0 {
		maxCASRetries = 0
	}
	return &Repository{db: db, maxCASRetries: maxCASRetries}
}

func (r *Repository) FindTransaction(ctx context.Context, provider, transactionID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := r.db.WithContext(ctx).
		Where("provider = ? AND transaction_id = ?", provider, transactionID).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *Repository) FindSubscription(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("provider = ? AND original_transaction_id = ?", provider, originalTransactionID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *Repository) InsertTransaction(ctx context.Context, tx *models.Transaction, actions ...models.Action) error {
	return r.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if err := gtx.Create(tx).Error; err != nil {
			if isUniqueViolation(err) {
				return engine.ErrDuplicateAggregate
			}
			return err
		}
		return createActions(gtx, models.AggregateTransaction, tx.Identity().String(), actions)
	})
}

func (r *Repository) InsertSubscription(ctx context.Context, sub *models.Subscription, initial *models.Transaction, actions ...models.Action) error {
	return r.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if err := gtx.Create(sub).Error; err != nil {
			if isUniqueViolation(err) {
				return engine.ErrDuplicateAggregate
			}
			return err
		}
		if initial != nil {
			if err := gtx.Create(initial).Error; err != nil {
				if isUniqueViolation(err) {
					return engine.ErrDuplicateAggregate
				}
				return err
			}
		}
		return createActions(gtx, models.AggregateSubscription, sub.Identity().String(), actions)
	})
}

func (r *Repository) UpdateTransaction(ctx context.Context, id models.TxIdentity, mutate engine.TxMutateFunc) (*models.Transaction, error) {
	var result models.Transaction

	for attempt := 0; attempt <= r.maxCASRetries; attempt++ {
		err := r.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			var current models.Transaction
			err := gtx.Where("provider = ? AND transaction_id = ?", id.Provider, id.TransactionID).
				First(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return engine.ErrNotFound
			}
			if err != nil {
				return err
			}

			expectedVersion := current.Version
			actions, err := mutate(&current)
			if err != nil {
				return err
			}

			tx := gtx.Model(&models.Transaction{}).
				Where("id = ? AND version = ?", current.ID, expectedVersion).
				Updates(map[string]any{
					"starts_at":                current.StartsAt,
					"payment_expires_at":       current.PaymentExpiresAt,
					"purchased_at":             current.PurchasedAt,
					"completed_at":             current.CompletedAt,
					"canceled_at":              current.CanceledAt,
					"original_transaction_id":  current.OriginalTransactionID,
					"last_failed_at":           current.LastFailedAt,
					"raw":                      current.Raw,
					"version":                  expectedVersion + 1,
				})
			if tx.Error != nil {
				return tx.Error
			}
			if tx.RowsAffected == 0 {
				return engine.ErrConflict
			}

			current.Version = expectedVersion + 1
			if err := createActions(gtx, models.AggregateTransaction, id.String(), actions); err != nil {
				return err
			}
			result = current
			return nil
		})

		if err == nil {
			return &result, nil
		}
		if errors.Is(err, engine.ErrConflict) {
			continue
		}
		return nil, err
	}

	return nil, engine.ErrConflict
}

func (r *Repository) UpdateSubscription(ctx context.Context, id models.SubIdentity, mutate engine.SubMutateFunc) (*models.Subscription, error) {
	var result models.Subscription

	for attempt := 0; attempt <= r.maxCASRetries; attempt++ {
		err := r.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			var current models.Subscription
			err := gtx.Where("provider = ? AND original_transaction_id = ?", id.Provider, id.OriginalTransactionID).
				First(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return engine.ErrNotFound
			}
			if err != nil {
				return err
			}

			expectedVersion := current.Version
			actions, err := mutate(&current)
			if err != nil {
				return err
			}

			tx := gtx.Model(&models.Subscription{}).
				Where("id = ? AND version = ?", current.ID, expectedVersion).
				Updates(map[string]any{
					"starts_at":             current.StartsAt,
					"expires_at":            current.ExpiresAt,
					"canceled_at":           current.CanceledAt,
					"renewal_enabled":       current.RenewalEnabled,
					"recharge_attempt":      current.RechargeAttempt,
					"last_failed_at":        current.LastFailedAt,
					"renewal_in_flight":     current.RenewalInFlight,
					"product_id":            current.ProductID,
					"transaction_refs":      current.TransactionRefsJSON,
					"version":               expectedVersion + 1,
				})
			if tx.Error != nil {
				return tx.Error
			}
			if tx.RowsAffected == 0 {
				return engine.ErrConflict
			}

			current.Version = expectedVersion + 1
			if err := createActions(gtx, models.AggregateSubscription, id.String(), actions); err != nil {
				return err
			}
			result = current
			return nil
		})

		if err == nil {
			return &result, nil
		}
		if errors.Is(err, engine.ErrConflict) {
			continue
		}
		return nil, err
	}

	return nil, engine.ErrConflict
}

func (r *Repository) ListPendingTransactions(ctx context.Context, provider string, expiredBefore *time.Time) ([]models.Transaction, error) {
	q := r.db.WithContext(ctx).
		Where("provider = ? AND completed_at IS NULL AND canceled_at IS NULL", provider)
	if expiredBefore != nil {
		q = q.Where("payment_expires_at < ?", *expiredBefore)
	}
	var out []models.Transaction
	err := q.Order("id").Find(&out).Error
	return out, err
}

func (r *Repository) ListSubscriptionsDueForRenewal(ctx context.Context, provider string, now time.Time, renewalBefore time.Duration) ([]models.Subscription, error) {
	var out []models.Subscription
	err := r.db.WithContext(ctx).
		Where("provider = ? AND canceled_at IS NULL AND renewal_enabled = ? AND renewal_in_flight = ?", provider, true, false).
		Where("expires_at <= ? AND expires_at > ?", now.Add(renewalBefore), time.Time{}).
		Order("id").
		Find(&out).Error
	return out, err
}

func (r *Repository) ListSubscriptionsActiveForUserGroup(ctx context.Context, userID, group string) ([]models.Subscription, error) {
	var out []models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND product_group = ?", userID, group).
		Order("id").
		Find(&out).Error
	return out, err
}

func (r *Repository) ListSubscriptionsMissingLinkage(ctx context.Context, provider string) ([]models.Subscription, error) {
	var out []models.Subscription
	err := r.db.WithContext(ctx).
		Where("provider = ? AND canceled_at IS NULL AND renewal_enabled = ? AND starts_at > ?", provider, false, time.Time{}).
		Order("id").
		Find(&out).Error
	return out, err
}

func (r *Repository) ListPurchaseTransactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	var out []models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, models.ProductPurchase).
		Order("id").
		Find(&out).Error
	return out, err
}

func (r *Repository) ListSubscriptionsForUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	var out []models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id").
		Find(&out).Error
	return out, err
}

func (r *Repository) InsertAction(ctx context.Context, action *models.Action) error {
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *Repository) ListUndispatchedActions(ctx context.Context) ([]models.Action, error) {
	var out []models.Action
	err := r.db.WithContext(ctx).
		Where("dispatched_at IS NULL").
		Order("id").
		Find(&out).Error
	return out, err
}

func (r *Repository) MarkActionDispatched(ctx context.Context, actionID string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.Action{}).
		Where("action_id = ?", actionID).
		Update("dispatched_at", now).Error
}

func (r *Repository) MarkActionFailed(ctx context.Context, actionID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.db.WithContext(ctx).Model(&models.Action{}).
		Where("action_id = ?", actionID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
}

// createActions persists actions alongside the write that triggered them.
// Only actions that didn't already name their own target aggregate (e.g. a
// plan change's cancel-prior-subscription action, which targets the prior
// subscription rather than the one being written) default to the
// triggering write's aggregate.
func createActions(gtx *gorm.DB, aggregateKind models.AggregateKind, aggregateID string, actions []models.Action) error {
	for i := range actions {
		if actions[i].AggregateID == "" {
			actions[i].AggregateKind = aggregateKind
			actions[i].AggregateID = aggregateID
		}
		if err := gtx.Create(&actions[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// SQLite and Postgres both surface unique-constraint violations with
	// distinct driver-level types; matching on message substring keeps this
	// independent of which driver is active (sqlite for dev, postgres in
	// production — see initPostgres's SQLite fallback).
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
