package engine

import (
	"context"
	"time"

	"payflow/internal/models"
)

// TxMutateFunc mutates a transaction in place and optionally returns
// actions to enqueue in the same write. Returning an error
// aborts the update without retrying — used for business-rule failures
// such as ErrConflictingTerminalTransition, which must never be retried.
type TxMutateFunc func(tx *models.Transaction) ([]models.Action, error)

// SubMutateFunc is the Subscription analogue of TxMutateFunc.
type SubMutateFunc func(sub *models.Subscription) ([]models.Action, error)

// Repository is the durable storage contract required by the core.
// Every aggregate write is atomic per-aggregate; there is no cross-aggregate
// transaction.
//
// Update* methods implement the optimistic-CAS retry policy
// internally: the repository re-reads the current row, re-applies mutate,
// and retries the compare-and-swap up to a bounded number of times before
// surfacing ErrConflict. mutate itself returning an error aborts
// immediately without retrying.
type Repository interface {
	FindTransaction(ctx context.Context, provider, transactionID string) (*models.Transaction, error)
	FindSubscription(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error)

	InsertTransaction(ctx context.Context, tx *models.Transaction, actions ...models.Action) error
	InsertSubscription(ctx context.Context, sub *models.Subscription, initial *models.Transaction, actions ...models.Action) error

	UpdateTransaction(ctx context.Context, id models.TxIdentity, mutate TxMutateFunc) (*models.Transaction, error)
	UpdateSubscription(ctx context.Context, id models.SubIdentity, mutate SubMutateFunc) (*models.Subscription, error)

	ListPendingTransactions(ctx context.Context, provider string, expiredBefore *time.Time) ([]models.Transaction, error)
	ListSubscriptionsDueForRenewal(ctx context.Context, provider string, now time.Time, renewalBefore time.Duration) ([]models.Subscription, error)
	ListSubscriptionsActiveForUserGroup(ctx context.Context, userID, group string) ([]models.Subscription, error)
	ListSubscriptionsMissingLinkage(ctx context.Context, provider string) ([]models.Subscription, error)

	ListPurchaseTransactions(ctx context.Context, userID string) ([]models.Transaction, error)
	ListSubscriptionsForUser(ctx context.Context, userID string) ([]models.Subscription, error)

	InsertAction(ctx context.Context, action *models.Action) error
	ListUndispatchedActions(ctx context.Context) ([]models.Action, error)
	MarkActionDispatched(ctx context.Context, actionID string) error
	MarkActionFailed(ctx context.Context, actionID string, cause error) error
}
