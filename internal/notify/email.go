// Package notify holds the action-queue handlers that turn queued side
// effects into outbound calls: an activation email via Brevo and a signed
// webhook POST.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"payflow/internal/models"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// EmailHandler dispatches ActionNotifySubscriptionActive by sending an
// activation email through the Brevo transactional email API via the
// official SDK client.
type EmailHandler struct {
	client    *brevo.APIClient
	fromEmail string
	fromName  string
}

// NewEmailHandler builds a Brevo-backed handler. fromName may be empty.
func NewEmailHandler(apiKey, fromEmail, fromName string) *EmailHandler {
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	return &EmailHandler{
		client:    brevo.NewAPIClient(cfg),
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

func (h *EmailHandler) Kind() models.ActionKind { return models.ActionNotifySubscriptionActive }

type activationPayload struct {
	Provider      string `json:"provider"`
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
}

// Dispatch sends the activation email. It is idempotent in effect only in
// the sense Brevo's API is: a resend is harmless noise, not a double
// charge, which is acceptable for a notification action.
func (h *EmailHandler) Dispatch(ctx context.Context, action models.Action) error {
	var payload activationPayload
	if err := json.Unmarshal([]byte(action.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("notify: invalid activation payload: %w", err)
	}
	if payload.UserID == "" {
		return fmt.Errorf("notify: activation payload missing user_id")
	}

	email := brevo.SendSmtpEmail{
		Sender:      &brevo.SendSmtpEmailSender{Name: h.fromName, Email: h.fromEmail},
		To:          []brevo.SendSmtpEmailTo{{Email: payload.UserID}},
		Subject:     "Your subscription is active",
		HtmlContent: fmt.Sprintf("<p>Transaction %s on %s is now active.</p>", payload.TransactionID, payload.Provider),
	}

	_, _, err := h.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("notify: brevo send failed: %w", err)
	}
	return nil
}
