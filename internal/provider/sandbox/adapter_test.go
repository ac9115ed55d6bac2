package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"payflow/internal/engine"
	"payflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() *Adapter {
	return New("sandbox", map[string]models.Product{
		"membership-monthly": {ID: "membership-monthly", Type: models.ProductSubscription, Group: "membership", Duration: 30 * 24 * time.Hour},
	}, engine.AdapterCapabilities{SupportsCancelSubscription: true, SupportsSubscribedEvent: true})
}

func TestParseCallbackEventMapping(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		callbackType string
		want         engine.EventType
	}{
		{"payment-confirmed", engine.EventPaymentConfirmed},
		{"payment-canceled", engine.EventPaymentCanceled},
		{"subscribed", engine.EventSubscribed},
		{"subscription-renewal", engine.EventSubscriptionRenewal},
		{"subscription-canceled", engine.EventSubscriptionCanceled},
	}

	for _, tc := range cases {
		payload, err := json.Marshal(Callback{
			Type:                  tc.callbackType,
			TransactionID:         "tx-1",
			OriginalTransactionID: "orig-1",
			PurchasedAt:           &at,
			DurationSeconds:       3600,
		})
		require.NoError(t, err)

		event, err := adapter.ParseCallback(ctx, payload)
		require.NoError(t, err, tc.callbackType)
		assert.Equal(t, tc.want, event.Type)
		assert.Equal(t, "tx-1", event.TransactionID)
		assert.Equal(t, "orig-1", event.OriginalTransactionID)
		assert.Equal(t, time.Hour, event.Duration)
		assert.Equal(t, at, event.PurchasedAt)
	}
}

func TestParseCallbackRejectsUnknownTypeAndBadJSON(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()

	_, err := adapter.ParseCallback(ctx, []byte(`{"type":"gift-card-redeemed"}`))
	require.Error(t, err)

	_, err = adapter.ParseCallback(ctx, []byte(`{not json`))
	require.Error(t, err)
}

func TestPrepareSubscriptionDataLinksOriginalTransaction(t *testing.T) {
	adapter := newTestAdapter()

	product, err := adapter.RequireProduct(context.Background(), "membership-monthly")
	require.NoError(t, err)

	out, err := adapter.PrepareSubscriptionData(context.Background(), engine.PrepareSubscriptionInput{
		StartsAt: time.Now(),
		Product:  product,
		UserID:   "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, out.TransactionID, out.OriginalTransactionID)
	assert.Equal(t, product.Duration, out.Duration)
	assert.NotNil(t, out.Response)
}

func TestRechargeOutcomesAreConsumedInOrder(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()

	adapter.QueueRechargeOutcomes("orig-1",
		engine.RechargeOutcome{Type: engine.RechargeRenewed, TransactionID: "r1"},
		engine.RechargeOutcome{Type: engine.RechargeFailed},
	)

	first, err := adapter.RechargeSubscription(ctx, "orig-1", 0)
	require.NoError(t, err)
	assert.Equal(t, engine.RechargeRenewed, first.Type)

	second, err := adapter.RechargeSubscription(ctx, "orig-1", 1)
	require.NoError(t, err)
	assert.Equal(t, engine.RechargeFailed, second.Type)

	_, err = adapter.RechargeSubscription(ctx, "orig-1", 2)
	require.Error(t, err)
}
