package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTransactionStatusDerivation(t *testing.T) {
	tx := Transaction{}
	assert.Equal(t, TransactionPending, tx.Status())
	assert.False(t, tx.IsTerminal())

	completed := epoch
	tx.CompletedAt = &completed
	assert.Equal(t, TransactionCompleted, tx.Status())
	assert.True(t, tx.IsTerminal())

	canceled := Transaction{CanceledAt: &completed}
	assert.Equal(t, TransactionCanceled, canceled.Status())
	assert.True(t, canceled.IsTerminal())
}

func TestSubscriptionStatusDerivation(t *testing.T) {
	now := epoch

	pending := Subscription{}
	assert.Equal(t, SubscriptionPending, pending.Status(now))

	notStart := Subscription{StartsAt: now.Add(time.Hour), ExpiresAt: now.Add(25 * time.Hour)}
	assert.Equal(t, SubscriptionNotStart, notStart.Status(now))

	active := Subscription{StartsAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)}
	assert.Equal(t, SubscriptionActive, active.Status(now))

	lapsed := Subscription{StartsAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	assert.Equal(t, SubscriptionCanceled, lapsed.Status(now))

	canceledAt := now
	canceled := Subscription{StartsAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour), CanceledAt: &canceledAt}
	assert.Equal(t, SubscriptionCanceled, canceled.Status(now))
}

func TestTransactionRefsRoundTrip(t *testing.T) {
	var sub Subscription
	assert.Empty(t, sub.TransactionRefs())

	first := TxIdentity{Provider: "sandbox", TransactionID: "tx-1"}
	second := TxIdentity{Provider: "sandbox", TransactionID: "tx-2"}

	sub.SetTransactionRefs([]TxIdentity{first})
	sub.AppendTransactionRef(second)

	refs := sub.TransactionRefs()
	assert.Equal(t, []TxIdentity{first, second}, refs)
}

func TestGetExpireTime(t *testing.T) {
	view := UserView{
		UserID: "user-1",
		Subscriptions: []Subscription{
			{ProductGroup: "membership", ExpiresAt: epoch.Add(24 * time.Hour)},
			{ProductGroup: "membership", ExpiresAt: epoch.Add(48 * time.Hour)},
			{ProductGroup: "storage", ExpiresAt: epoch.Add(96 * time.Hour)},
		},
	}

	expiresAt, ok := view.GetExpireTime("membership")
	assert.True(t, ok)
	assert.Equal(t, epoch.Add(48*time.Hour), expiresAt)

	_, ok = view.GetExpireTime("unknown-group")
	assert.False(t, ok)
}

func TestIdentityStrings(t *testing.T) {
	tx := TxIdentity{Provider: "sandbox", TransactionID: "tx-1"}
	assert.Equal(t, "sandbox:tx-1", tx.String())

	sub := SubIdentity{Provider: "sandbox", OriginalTransactionID: "orig-1"}
	assert.Equal(t, "sandbox:orig-1", sub.String())
}
