package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"payflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookHandlerSignsAndDelivers(t *testing.T) {
	const secret = "test-secret"

	var received webhookEnvelope
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))

		signature = r.Header.Get("X-Payflow-Signature")

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signature)

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler := NewWebhookHandler(server.URL, secret)
	assert.Equal(t, models.ActionNotifyWebhook, handler.Kind())

	action := models.Action{
		ActionID:      "action-1",
		Kind:          models.ActionNotifyWebhook,
		AggregateKind: models.AggregateSubscription,
		AggregateID:   "sandbox:orig-1",
		PayloadJSON:   `{"provider":"sandbox"}`,
	}
	require.NoError(t, handler.Dispatch(context.Background(), action))

	assert.Equal(t, "action-1", received.ActionID)
	assert.Equal(t, models.AggregateSubscription, received.AggregateKind)
	assert.Equal(t, "sandbox:orig-1", received.AggregateID)
	assert.NotEmpty(t, signature)
}

func TestWebhookHandlerRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	handler := NewWebhookHandler(server.URL, "")
	err := handler.Dispatch(context.Background(), models.Action{ActionID: "action-1", PayloadJSON: `{}`})
	require.Error(t, err)
}

func TestWebhookHandlerNoURLIsNoop(t *testing.T) {
	handler := NewWebhookHandler("", "secret")
	require.NoError(t, handler.Dispatch(context.Background(), models.Action{ActionID: "action-1", PayloadJSON: `{}`}))
}
