// Package engine is the payments orchestration core: the transaction and
// subscription state machines, the callback dispatcher, the reconciliation
// loops, and the action queue that drives their side effects.
package engine

import (
	"context"
	"time"

	"payflow/internal/clock"
	"payflow/internal/models"

	"github.com/redis/go-redis/v9"
)

// Config carries the engine's tunables.
type Config struct {
	PurchaseExpiresAfter             time.Duration
	RenewalBefore                    time.Duration
	ReconciliationLeaseTTL           time.Duration
	CascadeExpiredInitialTransaction bool
	MaxCASRetries                    int
}

// Engine wires the Registry, Repository, Clock and action handlers into
// the public operations of the orchestration core.
type Engine struct {
	registry *Registry
	repo     Repository
	clock    clock.Clock
	leases   *leaseBroker
	actions  *actionQueue
	config   Config
}

// New builds an Engine. redisClient may be nil in tests and single-process
// deployments: the lease broker then falls back to its in-process try-lock
// alone. The cancel-prior-subscription handler is always registered;
// the caller supplies the notification handlers.
func New(registry *Registry, repo Repository, clk clock.Clock, redisClient *redis.Client, handlers []ActionHandler, cfg Config) *Engine {
	all := append([]ActionHandler{
		&cancelPriorSubscriptionHandler{registry: registry, repo: repo, clock: clk},
	}, handlers...)
	return &Engine{
		registry: registry,
		repo:     repo,
		clock:    clk,
		leases:   newLeaseBroker(redisClient, cfg.ReconciliationLeaseTTL),
		actions:  newActionQueue(repo, all),
		config:   cfg,
	}
}

// Providers lists the registered provider names.
func (e *Engine) Providers() []string {
	return e.registry.Providers()
}

// Drain dispatches every queued, un-dispatched action.
func (e *Engine) Drain(ctx context.Context) error {
	return e.actions.Drain(ctx)
}

// Transaction re-reads a transaction handle from the store.
func (e *Engine) Transaction(ctx context.Context, provider, transactionID string) (*models.Transaction, error) {
	return e.repo.FindTransaction(ctx, provider, transactionID)
}

// Subscription re-reads a subscription handle from the store.
func (e *Engine) Subscription(ctx context.Context, provider, originalTransactionID string) (*models.Subscription, error) {
	return e.repo.FindSubscription(ctx, provider, originalTransactionID)
}
