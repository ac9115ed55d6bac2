package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"payflow/internal/clock"
	"payflow/internal/engine"
	"payflow/internal/engine/memrepo"
	"payflow/internal/models"
	"payflow/internal/provider/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	providerName = "sandbox"
	testUserID   = "user-1"

	monthlyProduct  = "membership-monthly"
	yearlyProduct   = "membership-yearly"
	dailyProduct    = "membership-daily"
	purchaseProduct = "lifetime-unlock"

	membershipGroup = "membership"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testCatalogue() map[string]models.Product {
	return map[string]models.Product{
		monthlyProduct:  {ID: monthlyProduct, Type: models.ProductSubscription, Group: membershipGroup, Duration: 30 * 24 * time.Hour},
		yearlyProduct:   {ID: yearlyProduct, Type: models.ProductSubscription, Group: membershipGroup, Duration: 365 * 24 * time.Hour},
		dailyProduct:    {ID: dailyProduct, Type: models.ProductSubscription, Group: membershipGroup, Duration: 24 * time.Hour},
		purchaseProduct: {ID: purchaseProduct, Type: models.ProductPurchase},
	}
}

type fixture struct {
	eng     *engine.Engine
	repo    *memrepo.Repository
	adapter *sandbox.Adapter
	clk     *clock.Fake
}

func defaultConfig() engine.Config {
	return engine.Config{
		PurchaseExpiresAfter:             time.Hour,
		RenewalBefore:                    12 * time.Hour,
		ReconciliationLeaseTTL:           time.Minute,
		CascadeExpiredInitialTransaction: true,
		MaxCASRetries:                    3,
	}
}

func newFixture(t *testing.T, mutate func(*engine.Config)) *fixture {
	t.Helper()
	return newFixtureCaps(t, engine.AdapterCapabilities{
		SupportsCancelSubscription: true,
		SupportsSubscribedEvent:    true,
	}, mutate)
}

func newFixtureCaps(t *testing.T, caps engine.AdapterCapabilities, mutate func(*engine.Config)) *fixture {
	t.Helper()

	cfg := defaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clk := clock.NewFake(testEpoch)
	adapter := sandbox.New(providerName, testCatalogue(), caps)
	repo := memrepo.New()
	registry := engine.NewRegistry(map[string]engine.ProviderAdapter{providerName: adapter})

	return &fixture{
		eng:     engine.New(registry, repo, clk, nil, nil, cfg),
		repo:    repo,
		adapter: adapter,
		clk:     clk,
	}
}

func (f *fixture) handleCallback(t *testing.T, cb sandbox.Callback) error {
	t.Helper()
	payload, err := json.Marshal(cb)
	require.NoError(t, err)
	return f.eng.HandleCallback(context.Background(), providerName, payload)
}

func (f *fixture) confirmPayment(t *testing.T, transactionID string) {
	t.Helper()
	purchasedAt := f.clk.Now()
	require.NoError(t, f.handleCallback(t, sandbox.Callback{
		Type:          "payment-confirmed",
		TransactionID: transactionID,
		PurchasedAt:   &purchasedAt,
	}))
}

func (f *fixture) bindSubscribed(t *testing.T, originalTransactionID string) {
	t.Helper()
	subscribedAt := f.clk.Now()
	require.NoError(t, f.handleCallback(t, sandbox.Callback{
		Type:                  "subscribed",
		OriginalTransactionID: originalTransactionID,
		SubscribedAt:          &subscribedAt,
	}))
}

func (f *fixture) prepareSubscription(t *testing.T, productID string) engine.PrepareSubscriptionHandle {
	t.Helper()
	handle, err := f.eng.PrepareSubscription(context.Background(), engine.PrepareSubscriptionRequest{
		Provider:  providerName,
		UserID:    testUserID,
		ProductID: productID,
	})
	require.NoError(t, err)
	return handle
}

func (f *fixture) subscription(t *testing.T, originalTransactionID string) *models.Subscription {
	t.Helper()
	sub, err := f.eng.Subscription(context.Background(), providerName, originalTransactionID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) transaction(t *testing.T, transactionID string) *models.Transaction {
	t.Helper()
	tx, err := f.eng.Transaction(context.Background(), providerName, transactionID)
	require.NoError(t, err)
	return tx
}

// actionsOfKind keeps only the actions of the given kind, in order.
func actionsOfKind(actions []models.Action, kind models.ActionKind) []models.Action {
	var out []models.Action
	for _, a := range actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestSubscribeHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	handle := f.prepareSubscription(t, monthlyProduct)
	require.NotEmpty(t, handle.OriginalTransactionID)
	require.NotNil(t, handle.Response)

	sub := f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionPending, sub.Status(f.clk.Now()))

	f.confirmPayment(t, handle.OriginalTransactionID)
	f.bindSubscribed(t, handle.OriginalTransactionID)

	sub = f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionActive, sub.Status(f.clk.Now()))
	assert.True(t, sub.RenewalEnabled)
	assert.Len(t, sub.TransactionRefs(), 1)
	assert.Equal(t, testEpoch, sub.StartsAt)
	assert.Equal(t, testEpoch.Add(30*24*time.Hour), sub.ExpiresAt)

	tx := f.transaction(t, handle.OriginalTransactionID)
	assert.Equal(t, models.TransactionCompleted, tx.Status())
	assert.Equal(t, 30*24*time.Hour, tx.Duration)

	// Replaying either callback is rejected loudly, leaving state intact.
	purchasedAt := f.clk.Now()
	err := f.handleCallback(t, sandbox.Callback{
		Type:          "payment-confirmed",
		TransactionID: handle.OriginalTransactionID,
		PurchasedAt:   &purchasedAt,
	})
	require.ErrorIs(t, err, engine.ErrCallbackRejected)

	subscribedAt := f.clk.Now()
	err = f.handleCallback(t, sandbox.Callback{
		Type:                  "subscribed",
		OriginalTransactionID: handle.OriginalTransactionID,
		SubscribedAt:          &subscribedAt,
	})
	require.ErrorIs(t, err, engine.ErrCallbackRejected)

	after := f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, sub.ExpiresAt, after.ExpiresAt)
	assert.Len(t, after.TransactionRefs(), 1)
}

func TestSamePlanPrepareIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	first := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, first.OriginalTransactionID)

	second := f.prepareSubscription(t, monthlyProduct)
	assert.Equal(t, first.OriginalTransactionID, second.OriginalTransactionID)

	subs, err := f.repo.ListSubscriptionsForUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestExpiredPrepareCancelsTransaction(t *testing.T) {
	f := newFixture(t, func(cfg *engine.Config) {
		cfg.PurchaseExpiresAfter = 2 * time.Second
	})
	ctx := context.Background()

	handle := f.prepareSubscription(t, monthlyProduct)

	tx := f.transaction(t, handle.OriginalTransactionID)
	assert.Equal(t, testEpoch.Add(2*time.Second), tx.PaymentExpiresAt)

	f.clk.Advance(3 * time.Second)
	f.adapter.SetTransactionStatus(handle.OriginalTransactionID, engine.TransactionStatusResult{
		Type:       engine.TransactionStatusCanceled,
		CanceledAt: f.clk.Now(),
	})

	require.NoError(t, f.eng.CheckTransactions(ctx, providerName, nil))

	tx = f.transaction(t, handle.OriginalTransactionID)
	assert.Equal(t, models.TransactionCanceled, tx.Status())

	// With CascadeExpiredInitialTransaction on, the containing
	// subscription cascades to canceled instead of staying pending.
	sub := f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status(f.clk.Now()))
}

func TestExpiredPrepareLeavesSubscriptionPendingWhenCascadeDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *engine.Config) {
		cfg.PurchaseExpiresAfter = 2 * time.Second
		cfg.CascadeExpiredInitialTransaction = false
	})
	ctx := context.Background()

	handle := f.prepareSubscription(t, monthlyProduct)

	f.clk.Advance(3 * time.Second)
	f.adapter.SetTransactionStatus(handle.OriginalTransactionID, engine.TransactionStatusResult{
		Type:       engine.TransactionStatusCanceled,
		CanceledAt: f.clk.Now(),
	})

	require.NoError(t, f.eng.CheckTransactions(ctx, providerName, nil))

	assert.Equal(t, models.TransactionCanceled, f.transaction(t, handle.OriginalTransactionID).Status())
	assert.Equal(t, models.SubscriptionPending, f.subscription(t, handle.OriginalTransactionID).Status(f.clk.Now()))
}

func TestPollConfirmationAdvancesSubscription(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// The payment-confirmed callback never arrives; the reconciliation
	// pass polls the expired transaction and the provider affirms success.
	handle := f.prepareSubscription(t, monthlyProduct)

	f.clk.Advance(2 * time.Hour)
	f.adapter.SetTransactionStatus(handle.OriginalTransactionID, engine.TransactionStatusResult{
		Type:        engine.TransactionStatusSuccess,
		PurchasedAt: f.clk.Now(),
	})
	require.NoError(t, f.eng.CheckTransactions(ctx, providerName, nil))

	assert.Equal(t, models.TransactionCompleted, f.transaction(t, handle.OriginalTransactionID).Status())

	// The owning subscription advanced exactly as it would have on the
	// callback path, instead of being stranded pending.
	sub := f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionActive, sub.Status(f.clk.Now()))
	assert.Equal(t, testEpoch, sub.StartsAt)
	assert.Equal(t, testEpoch.Add(30*24*time.Hour), sub.ExpiresAt)

	// With coverage established, the missing-linkage pass can now bind
	// renewals too.
	require.NoError(t, f.eng.CheckUncompletedSubscription(ctx, providerName, nil))
	assert.True(t, f.subscription(t, handle.OriginalTransactionID).RenewalEnabled)
}

func TestRenewalCascade(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	handle := f.prepareSubscription(t, dailyProduct)
	otid := handle.OriginalTransactionID

	f.confirmPayment(t, otid)
	f.bindSubscribed(t, otid)

	startsAt := f.clk.Now()

	// First renewal, 11h before expiry (inside the 12h window).
	f.clk.Advance(13 * time.Hour)
	f.adapter.QueueRechargeOutcomes(otid, engine.RechargeOutcome{
		Type:          engine.RechargeRenewed,
		TransactionID: "renewal-1",
		PurchasedAt:   f.clk.Now(),
		Duration:      24 * time.Hour,
	})
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))

	sub := f.subscription(t, otid)
	assert.Equal(t, startsAt.Add(48*time.Hour), sub.ExpiresAt)
	assert.Len(t, sub.TransactionRefs(), 2)

	// Second renewal.
	f.clk.Advance(24 * time.Hour)
	f.adapter.QueueRechargeOutcomes(otid, engine.RechargeOutcome{
		Type:          engine.RechargeRenewed,
		TransactionID: "renewal-2",
		PurchasedAt:   f.clk.Now(),
		Duration:      24 * time.Hour,
	})
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))

	sub = f.subscription(t, otid)
	assert.Equal(t, startsAt.Add(72*time.Hour), sub.ExpiresAt)
	assert.Len(t, sub.TransactionRefs(), 3)

	// Third attempt fails recoverably: still active, lastFailedAt set.
	f.clk.Advance(24 * time.Hour)
	f.adapter.QueueRechargeOutcomes(otid, engine.RechargeOutcome{
		Type:     engine.RechargeFailed,
		FailedAt: f.clk.Now(),
		Reason:   "card declined",
	})
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))

	sub = f.subscription(t, otid)
	assert.Equal(t, models.SubscriptionActive, sub.Status(f.clk.Now()))
	require.NotNil(t, sub.LastFailedAt)
	assert.Equal(t, 1, sub.RechargeAttempt)
	assert.Equal(t, startsAt.Add(72*time.Hour), sub.ExpiresAt)

	// Fourth attempt is terminal.
	f.adapter.QueueRechargeOutcomes(otid, engine.RechargeOutcome{
		Type:       engine.RechargeCanceled,
		CanceledAt: f.clk.Now(),
		Reason:     "too many failures",
	})
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))

	sub = f.subscription(t, otid)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status(f.clk.Now()))
	assert.False(t, sub.RenewalEnabled)
	require.NotNil(t, sub.CanceledAt)
}

func TestRenewalAttemptIndexIsCarried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	handle := f.prepareSubscription(t, dailyProduct)
	otid := handle.OriginalTransactionID
	f.confirmPayment(t, otid)
	f.bindSubscribed(t, otid)

	f.clk.Advance(13 * time.Hour)
	f.adapter.QueueRechargeOutcomes(otid,
		engine.RechargeOutcome{Type: engine.RechargeFailed, FailedAt: f.clk.Now()},
		engine.RechargeOutcome{Type: engine.RechargeFailed, FailedAt: f.clk.Now()},
	)
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))

	sub := f.subscription(t, otid)
	assert.Equal(t, 2, sub.RechargeAttempt)
	assert.Equal(t, models.SubscriptionActive, sub.Status(f.clk.Now()))
}

func TestRenewalStopsOnceEntitlementLapses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	handle := f.prepareSubscription(t, dailyProduct)
	otid := handle.OriginalTransactionID
	f.confirmPayment(t, otid)
	f.bindSubscribed(t, otid)

	// Past expiry without a successful recharge: the pass cancels the
	// subscription instead of recharging late. No outcome is programmed,
	// proving the adapter is never called.
	f.clk.Advance(25 * time.Hour)
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))

	sub := f.subscription(t, otid)
	require.NotNil(t, sub.CanceledAt)
	assert.False(t, sub.RenewalEnabled)
}

func TestPlanChange(t *testing.T) {
	f := newFixture(t, nil)

	monthly := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, monthly.OriginalTransactionID)

	monthlySub := f.subscription(t, monthly.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionActive, monthlySub.Status(f.clk.Now()))

	yearly := f.prepareSubscription(t, yearlyProduct)
	require.NotEqual(t, monthly.OriginalTransactionID, yearly.OriginalTransactionID)

	// The prior subscription was canceled at the provider and in-store by
	// the inline dispatch of the queued cancel-prior action.
	monthlySub = f.subscription(t, monthly.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionCanceled, monthlySub.Status(f.clk.Now()))

	yearlySub := f.subscription(t, yearly.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionPending, yearlySub.Status(f.clk.Now()))

	f.confirmPayment(t, yearly.OriginalTransactionID)

	yearlySub = f.subscription(t, yearly.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionNotStart, yearlySub.Status(f.clk.Now()))

	// Contiguous coverage: the new plan starts exactly where the old one
	// ends, and its expiry stacks both durations on the original start.
	assert.Equal(t, monthlySub.ExpiresAt, yearlySub.StartsAt)
	assert.Equal(t, monthlySub.StartsAt.Add(30*24*time.Hour).Add(365*24*time.Hour), yearlySub.ExpiresAt)

	view, err := f.eng.User(context.Background(), testUserID)
	require.NoError(t, err)
	expiresAt, ok := view.GetExpireTime(membershipGroup)
	require.True(t, ok)
	assert.Equal(t, yearlySub.ExpiresAt, expiresAt)
}

func TestPlanChangeRequiresCancelCapability(t *testing.T) {
	f := newFixtureCaps(t, engine.AdapterCapabilities{
		SupportsCancelSubscription: false,
		SupportsSubscribedEvent:    true,
	}, nil)

	monthly := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, monthly.OriginalTransactionID)

	_, err := f.eng.PrepareSubscription(context.Background(), engine.PrepareSubscriptionRequest{
		Provider:  providerName,
		UserID:    testUserID,
		ProductID: yearlyProduct,
	})
	require.ErrorIs(t, err, engine.ErrCapabilityUnsupported)

	// The prior subscription is untouched.
	sub := f.subscription(t, monthly.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionActive, sub.Status(f.clk.Now()))
}

func TestPlanChangeCrashRecoveryViaDrain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	monthly := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, monthly.OriginalTransactionID)

	// Provider declines the inline cancellation: the action stays queued,
	// simulating a crash between the plan-change write and its effect.
	f.adapter.SetCancelResult(monthly.OriginalTransactionID, false)
	yearly := f.prepareSubscription(t, yearlyProduct)
	require.NotEmpty(t, yearly.OriginalTransactionID)

	monthlySub := f.subscription(t, monthly.OriginalTransactionID)
	assert.Nil(t, monthlySub.CanceledAt)

	// Confirming the monthly payment also queued a
	// notify-subscription-activated action; the fixture registers no
	// notification handler, so it stays undispatched and is left out here.
	pending, err := f.repo.ListUndispatchedActions(ctx)
	require.NoError(t, err)
	pending = actionsOfKind(pending, models.ActionCancelPriorSubscription)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionCancelPriorSubscription, pending[0].Kind)
	assert.Equal(t, 1, pending[0].Attempts)

	// Recovery: a later drain re-drives the action to completion.
	f.adapter.SetCancelResult(monthly.OriginalTransactionID, true)
	require.NoError(t, f.eng.Drain(ctx))

	monthlySub = f.subscription(t, monthly.OriginalTransactionID)
	require.NotNil(t, monthlySub.CanceledAt)

	pending, err = f.repo.ListUndispatchedActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, actionsOfKind(pending, models.ActionCancelPriorSubscription))

	// Draining again is a no-op: the effect is applied exactly once.
	canceledAt := *monthlySub.CanceledAt
	require.NoError(t, f.eng.Drain(ctx))
	monthlySub = f.subscription(t, monthly.OriginalTransactionID)
	assert.Equal(t, canceledAt, *monthlySub.CanceledAt)
}

func TestCancellationViaCallback(t *testing.T) {
	f := newFixture(t, nil)

	handle := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, handle.OriginalTransactionID)
	f.bindSubscribed(t, handle.OriginalTransactionID)

	before := f.subscription(t, handle.OriginalTransactionID)

	canceledAt := f.clk.Now()
	require.NoError(t, f.handleCallback(t, sandbox.Callback{
		Type:                  "subscription-canceled",
		OriginalTransactionID: handle.OriginalTransactionID,
		CanceledAt:            &canceledAt,
	}))

	sub := f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status(f.clk.Now()))
	assert.False(t, sub.RenewalEnabled)
	// Original-period entitlement is retained.
	assert.Equal(t, before.ExpiresAt, sub.ExpiresAt)

	// Replay is rejected.
	err := f.handleCallback(t, sandbox.Callback{
		Type:                  "subscription-canceled",
		OriginalTransactionID: handle.OriginalTransactionID,
		CanceledAt:            &canceledAt,
	})
	require.ErrorIs(t, err, engine.ErrCallbackRejected)
}

func TestOperatorCancelSubscription(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	handle := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, handle.OriginalTransactionID)

	sub, err := f.eng.CancelSubscription(ctx, providerName, handle.OriginalTransactionID)
	require.NoError(t, err)
	require.NotNil(t, sub.CanceledAt)

	_, err = f.eng.CancelSubscription(ctx, providerName, handle.OriginalTransactionID)
	require.ErrorIs(t, err, engine.ErrConflictingTerminalTransition)
}

func TestTwoPurchasesDifferentPaths(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// First purchase confirmed by poll.
	first, err := f.eng.PreparePurchase(ctx, engine.PreparePurchaseRequest{
		Provider:  providerName,
		UserID:    testUserID,
		ProductID: purchaseProduct,
	})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	f.adapter.SetTransactionStatus(first.TransactionID, engine.TransactionStatusResult{
		Type:        engine.TransactionStatusSuccess,
		PurchasedAt: f.clk.Now(),
	})
	require.NoError(t, f.eng.CheckTransactions(ctx, providerName, nil))

	// Second purchase confirmed by callback.
	second, err := f.eng.PreparePurchase(ctx, engine.PreparePurchaseRequest{
		Provider:  providerName,
		UserID:    testUserID,
		ProductID: purchaseProduct,
	})
	require.NoError(t, err)
	f.confirmPayment(t, second.TransactionID)

	assert.Equal(t, models.TransactionCompleted, f.transaction(t, first.TransactionID).Status())
	assert.Equal(t, models.TransactionCompleted, f.transaction(t, second.TransactionID).Status())

	view, err := f.eng.User(ctx, testUserID)
	require.NoError(t, err)
	assert.Len(t, view.PurchaseTransactions, 2)
}

func TestConflictingTerminalTransitionIsLoud(t *testing.T) {
	f := newFixture(t, nil)

	handle := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, handle.OriginalTransactionID)

	// A cancel arriving after completion is a provider mistake, not a
	// no-op: it must fail and leave the transaction untouched.
	canceledAt := f.clk.Now()
	err := f.handleCallback(t, sandbox.Callback{
		Type:          "payment-canceled",
		TransactionID: handle.OriginalTransactionID,
		CanceledAt:    &canceledAt,
	})
	require.ErrorIs(t, err, engine.ErrCallbackRejected)

	tx := f.transaction(t, handle.OriginalTransactionID)
	assert.Equal(t, models.TransactionCompleted, tx.Status())
	assert.Nil(t, tx.CanceledAt)
}

func TestUnrecognizedCallbackEvent(t *testing.T) {
	f := newFixture(t, nil)

	err := f.eng.HandleCallback(context.Background(), providerName, []byte(`{"type":"gift-card-redeemed"}`))
	require.Error(t, err)
	require.ErrorIs(t, err, engine.ErrProviderFailure)
	require.ErrorIs(t, err, engine.ErrUnrecognizedEvent)
}

func TestCheckUncompletedSubscriptionBindsLinkage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	handle := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, handle.OriginalTransactionID)

	sub := f.subscription(t, handle.OriginalTransactionID)
	require.False(t, sub.RenewalEnabled)

	f.adapter.SetSubscriptionStatus(handle.OriginalTransactionID, engine.SubscriptionStatusResult{
		Type:                  engine.SubscriptionStatusSubscribed,
		SubscribedAt:          f.clk.Now(),
		OriginalTransactionID: handle.OriginalTransactionID,
	})
	require.NoError(t, f.eng.CheckUncompletedSubscription(ctx, providerName, nil))

	sub = f.subscription(t, handle.OriginalTransactionID)
	assert.True(t, sub.RenewalEnabled)
}

func TestCheckUncompletedSubscriptionAppliesProviderCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	handle := f.prepareSubscription(t, monthlyProduct)
	f.confirmPayment(t, handle.OriginalTransactionID)

	f.adapter.SetSubscriptionStatus(handle.OriginalTransactionID, engine.SubscriptionStatusResult{
		Type:       engine.SubscriptionStatusCanceled,
		CanceledAt: f.clk.Now(),
	})
	require.NoError(t, f.eng.CheckUncompletedSubscription(ctx, providerName, nil))

	sub := f.subscription(t, handle.OriginalTransactionID)
	require.NotNil(t, sub.CanceledAt)
}

func TestRenewalCallbackPushPath(t *testing.T) {
	f := newFixture(t, nil)

	handle := f.prepareSubscription(t, dailyProduct)
	f.confirmPayment(t, handle.OriginalTransactionID)

	purchasedAt := f.clk.Now().Add(20 * time.Hour)
	cb := sandbox.Callback{
		Type:                  "subscription-renewal",
		TransactionID:         "push-renewal-1",
		OriginalTransactionID: handle.OriginalTransactionID,
		PurchasedAt:           &purchasedAt,
		DurationSeconds:       int64((24 * time.Hour).Seconds()),
	}
	require.NoError(t, f.handleCallback(t, cb))

	sub := f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, sub.StartsAt.Add(48*time.Hour), sub.ExpiresAt)
	assert.Len(t, sub.TransactionRefs(), 2)

	// Redelivery of the same renewal is absorbed: the renewal transaction
	// already exists, so the event is acknowledged without double-extending.
	require.NoError(t, f.handleCallback(t, cb))
	sub = f.subscription(t, handle.OriginalTransactionID)
	assert.Equal(t, sub.StartsAt.Add(48*time.Hour), sub.ExpiresAt)
}

func TestBatchErrorsGoToSinkAndBatchContinues(t *testing.T) {
	f := newFixture(t, func(cfg *engine.Config) {
		cfg.PurchaseExpiresAfter = time.Second
	})
	ctx := context.Background()

	// Two expired purchases; the provider answers the first poll with a
	// result type the engine does not recognize.
	first, err := f.eng.PreparePurchase(ctx, engine.PreparePurchaseRequest{
		Provider: providerName, UserID: testUserID, ProductID: purchaseProduct,
	})
	require.NoError(t, err)
	second, err := f.eng.PreparePurchase(ctx, engine.PreparePurchaseRequest{
		Provider: providerName, UserID: testUserID, ProductID: purchaseProduct,
	})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Second)
	f.adapter.SetTransactionStatus(first.TransactionID, engine.TransactionStatusResult{
		Type: "under-review",
	})
	f.adapter.SetTransactionStatus(second.TransactionID, engine.TransactionStatusResult{
		Type: engine.TransactionStatusSuccess, PurchasedAt: f.clk.Now(),
	})

	var failed []string
	sink := func(aggregateID string, err error) {
		require.ErrorIs(t, err, engine.ErrUnrecognizedEvent)
		failed = append(failed, aggregateID)
	}
	require.NoError(t, f.eng.CheckTransactions(ctx, providerName, sink))

	// The bad item went to the sink; the batch still completed the rest.
	assert.Len(t, failed, 1)
	assert.Equal(t, models.TransactionPending, f.transaction(t, first.TransactionID).Status())
	assert.Equal(t, models.TransactionCompleted, f.transaction(t, second.TransactionID).Status())
}

func TestPreparePurchaseRejectsSubscriptionProduct(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.eng.PreparePurchase(context.Background(), engine.PreparePurchaseRequest{
		Provider: providerName, UserID: testUserID, ProductID: monthlyProduct,
	})
	require.ErrorIs(t, err, engine.ErrWrongProductType)

	_, err = f.eng.PrepareSubscription(context.Background(), engine.PrepareSubscriptionRequest{
		Provider: providerName, UserID: testUserID, ProductID: purchaseProduct,
	})
	require.ErrorIs(t, err, engine.ErrWrongProductType)
}

func TestUnknownProduct(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.eng.PreparePurchase(context.Background(), engine.PreparePurchaseRequest{
		Provider: providerName, UserID: testUserID, ProductID: "no-such-product",
	})
	require.ErrorIs(t, err, engine.ErrUnknownProduct)
}

func TestCanceledContextShortCircuits(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.eng.PreparePurchase(ctx, engine.PreparePurchaseRequest{
		Provider: providerName, UserID: testUserID, ProductID: purchaseProduct,
	})
	require.ErrorIs(t, err, engine.ErrCanceled)

	err = f.eng.HandleCallback(ctx, providerName, []byte(`{}`))
	require.ErrorIs(t, err, engine.ErrCanceled)
}

func TestDrainMarksActionsWithoutHandlerAsFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.repo.InsertAction(ctx, &models.Action{
		ActionID:    "orphan-1",
		Kind:        models.ActionNotifyWebhook, // no webhook handler registered in tests
		PayloadJSON: `{}`,
	}))

	require.NoError(t, f.eng.Drain(ctx))

	pending, err := f.repo.ListUndispatchedActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.NotEmpty(t, pending[0].LastError)
}

func TestExpiresAtEqualsSumOfCompletedDurations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	handle := f.prepareSubscription(t, dailyProduct)
	otid := handle.OriginalTransactionID
	f.confirmPayment(t, otid)
	f.bindSubscribed(t, otid)

	f.clk.Advance(13 * time.Hour)
	f.adapter.QueueRechargeOutcomes(otid, engine.RechargeOutcome{
		Type:          engine.RechargeRenewed,
		TransactionID: "renewal-1",
		PurchasedAt:   f.clk.Now(),
		Duration:      24 * time.Hour,
	})
	require.NoError(t, f.eng.CheckSubscriptionRenewal(ctx, providerName, nil))

	sub := f.subscription(t, otid)
	var total time.Duration
	for _, ref := range sub.TransactionRefs() {
		tx := f.transaction(t, ref.TransactionID)
		if tx.Status() == models.TransactionCompleted {
			total += tx.Duration
		}
	}
	assert.Equal(t, sub.StartsAt.Add(total), sub.ExpiresAt)
}
