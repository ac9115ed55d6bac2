package engine

import (
	"context"

	"payflow/internal/models"
)

// User is a pure read projection over a user's transactions and
// subscriptions. It performs no writes.
func (e *Engine) User(ctx context.Context, userID string) (models.UserView, error) {
	purchases, err := e.repo.ListPurchaseTransactions(ctx, userID)
	if err != nil {
		return models.UserView{}, err
	}

	var completedPurchases []models.Transaction
	for _, tx := range purchases {
		if tx.Status() == models.TransactionCompleted {
			completedPurchases = append(completedPurchases, tx)
		}
	}

	subs, err := e.repo.ListSubscriptionsForUser(ctx, userID)
	if err != nil {
		return models.UserView{}, err
	}

	now := e.clock.Now()
	var active []models.Subscription
	for _, s := range subs {
		if s.Status(now) != models.SubscriptionCanceled {
			active = append(active, s)
		}
	}

	return models.UserView{
		UserID:               userID,
		Subscriptions:        active,
		PurchaseTransactions: completedPurchases,
	}, nil
}
