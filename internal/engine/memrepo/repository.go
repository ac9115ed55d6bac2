// Package memrepo is an in-memory engine.Repository used by unit tests. It
// serializes every call behind a single mutex, which makes the optimistic
// CAS loop required by engine.Repository trivial: nothing can interleave
// inside a call, so the first attempt always succeeds or the mutate
// function's own error is surfaced unchanged.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"payflow/internal/engine"
	"payflow/internal/models"
)

type Repository struct {
	mu sync.Mutex

	transactions  map[models.TxIdentity]models.Transaction
	subscriptions map[models.SubIdentity]models.Subscription
	actions       map[string]models.Action

	nextID uint
}

func New() *Repository {
	return &Repository{
		transactions:  make(map[models.TxIdentity]models.Transaction),
		subscriptions: make(map[models.SubIdentity]models.Subscription),
		actions:       make(map[string]models.Action),
	}
}

func (r *Repository) allocID() uint {
	r.nextID++
	return r.nextID
}

func (r *Repository) FindTransaction(_ context.Context, provider, transactionID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[models.TxIdentity{Provider: provider, TransactionID: transactionID}]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (r *Repository) FindSubscription(_ context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subscriptions[models.SubIdentity{Provider: provider, OriginalTransactionID: originalTransactionID}]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (r *Repository) InsertTransaction(_ context.Context, tx *models.Transaction, actions ...models.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := tx.Identity()
	if _, exists := r.transactions[id]; exists {
		return engine.ErrDuplicateAggregate
	}

	tx.ID = r.allocID()
	tx.Version = 1
	r.transactions[id] = *tx

	for _, a := range actions {
		r.putAction(a)
	}
	return nil
}

func (r *Repository) InsertSubscription(_ context.Context, sub *models.Subscription, initial *models.Transaction, actions ...models.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	subID := sub.Identity()
	if _, exists := r.subscriptions[subID]; exists {
		return engine.ErrDuplicateAggregate
	}
	if initial != nil {
		txID := initial.Identity()
		if _, exists := r.transactions[txID]; exists {
			return engine.ErrDuplicateAggregate
		}
	}

	sub.ID = r.allocID()
	sub.Version = 1
	r.subscriptions[subID] = *sub

	if initial != nil {
		initial.ID = r.allocID()
		initial.Version = 1
		r.transactions[initial.Identity()] = *initial
	}

	for _, a := range actions {
		r.putAction(a)
	}
	return nil
}

func (r *Repository) UpdateTransaction(_ context.Context, id models.TxIdentity, mutate engine.TxMutateFunc) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.transactions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}

	next := current
	actions, err := mutate(&next)
	if err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	r.transactions[id] = next

	for _, a := range actions {
		r.putAction(a)
	}

	cp := next
	return &cp, nil
}

func (r *Repository) UpdateSubscription(_ context.Context, id models.SubIdentity, mutate engine.SubMutateFunc) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.subscriptions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}

	next := current
	actions, err := mutate(&next)
	if err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	r.subscriptions[id] = next

	for _, a := range actions {
		r.putAction(a)
	}

	cp := next
	return &cp, nil
}

func (r *Repository) ListPendingTransactions(_ context.Context, provider string, expiredBefore *time.Time) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Transaction
	for _, t := range r.transactions {
		if t.Provider != provider || t.IsTerminal() {
			continue
		}
		if expiredBefore != nil && !t.PaymentExpiresAt.Before(*expiredBefore) {
			continue
		}
		out = append(out, t)
	}
	sortTransactions(out)
	return out, nil
}

func (r *Repository) ListSubscriptionsDueForRenewal(_ context.Context, provider string, now time.Time, renewalBefore time.Duration) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Subscription
	for _, s := range r.subscriptions {
		if s.Provider != provider || s.CanceledAt != nil || !s.RenewalEnabled || s.RenewalInFlight {
			continue
		}
		if s.ExpiresAt.IsZero() || s.ExpiresAt.After(now.Add(renewalBefore)) {
			continue
		}
		out = append(out, s)
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *Repository) ListSubscriptionsActiveForUserGroup(_ context.Context, userID, group string) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Subscription
	for _, s := range r.subscriptions {
		if s.UserID != userID || s.ProductGroup != group {
			continue
		}
		out = append(out, s)
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *Repository) ListSubscriptionsMissingLinkage(_ context.Context, provider string) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Subscription
	for _, s := range r.subscriptions {
		if s.Provider != provider {
			continue
		}
		// Confirmed (StartsAt established) but never linked by a
		// subscribed event, and not terminal.
		if !s.StartsAt.IsZero() && !s.RenewalEnabled && s.CanceledAt == nil {
			out = append(out, s)
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *Repository) ListPurchaseTransactions(_ context.Context, userID string) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Transaction
	for _, t := range r.transactions {
		if t.UserID == userID && t.Type == models.ProductPurchase {
			out = append(out, t)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (r *Repository) ListSubscriptionsForUser(_ context.Context, userID string) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Subscription
	for _, s := range r.subscriptions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *Repository) InsertAction(_ context.Context, action *models.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.putAction(*action)
	return nil
}

func (r *Repository) ListUndispatchedActions(_ context.Context) ([]models.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Action
	for _, a := range r.actions {
		if !a.IsDispatched() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) MarkActionDispatched(_ context.Context, actionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actions[actionID]
	if !ok {
		return engine.ErrNotFound
	}
	now := time.Unix(0, 0)
	if a.DispatchedAt == nil {
		a.DispatchedAt = &now
	}
	r.actions[actionID] = a
	return nil
}

func (r *Repository) MarkActionFailed(_ context.Context, actionID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actions[actionID]
	if !ok {
		return engine.ErrNotFound
	}
	a.Attempts++
	if cause != nil {
		a.LastError = cause.Error()
	}
	r.actions[actionID] = a
	return nil
}

func (r *Repository) putAction(a models.Action) {
	if a.ID == 0 {
		a.ID = r.allocID()
	}
	r.actions[a.ActionID] = a
}

func sortTransactions(s []models.Transaction) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

func sortSubscriptions(s []models.Subscription) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
