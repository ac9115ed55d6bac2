package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"payflow/internal/models"
)

// WebhookHandler dispatches ActionNotifyWebhook by POSTing an
// HMAC-SHA256-signed JSON payload to a configured callback URL, so an
// operator backend can mirror subscription state changes.
type WebhookHandler struct {
	httpClient  *http.Client
	callbackURL string
	secret      string
}

// NewWebhookHandler builds a handler that posts to callbackURL. secret may
// be empty to skip signing.
func NewWebhookHandler(callbackURL, secret string) *WebhookHandler {
	return &WebhookHandler{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		callbackURL: callbackURL,
		secret:      secret,
	}
}

func (h *WebhookHandler) Kind() models.ActionKind { return models.ActionNotifyWebhook }

type webhookEnvelope struct {
	ActionID      string               `json:"action_id"`
	AggregateKind models.AggregateKind `json:"aggregate_kind"`
	AggregateID   string               `json:"aggregate_id"`
	Payload       json.RawMessage      `json:"payload"`
	Timestamp     string               `json:"timestamp"`
}

// Dispatch POSTs the envelope. The receiving backend is expected to
// dedupe by ActionID, since actions are delivered at-least-once.
func (h *WebhookHandler) Dispatch(ctx context.Context, action models.Action) error {
	if h.callbackURL == "" {
		return nil
	}

	envelope := webhookEnvelope{
		ActionID:      action.ActionID,
		AggregateKind: action.AggregateKind,
		AggregateID:   action.AggregateID,
		Payload:       json.RawMessage(action.PayloadJSON),
		Timestamp:     time.Now().Format(time.RFC3339),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal webhook envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "payflow-webhook/1.0")
	if h.secret != "" {
		req.Header.Set("X-Payflow-Signature", h.sign(body))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (h *WebhookHandler) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
