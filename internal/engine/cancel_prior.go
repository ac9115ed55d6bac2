package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"payflow/internal/clock"
	"payflow/internal/models"
)

// cancelPriorSubscriptionHandler drives the ActionCancelPriorSubscription
// side effect: on the plan-change path it is what calls the adapter's
// CancelSubscription and flips the prior subscription to canceled.
// PrepareSubscription only persists the action with the new subscription
// and makes one best-effort inline dispatch through this handler, so a
// crash between the plan-change write and the cancellation is
// forward-recoverable purely by re-draining the action queue.
type cancelPriorSubscriptionHandler struct {
	registry *Registry
	repo     Repository
	clock    clock.Clock
}

func (h *cancelPriorSubscriptionHandler) Kind() models.ActionKind {
	return models.ActionCancelPriorSubscription
}

type cancelPriorPayload struct {
	Provider              string `json:"provider"`
	OriginalTransactionID string `json:"original_transaction_id"`
}

func (h *cancelPriorSubscriptionHandler) Dispatch(ctx context.Context, action models.Action) error {
	var payload cancelPriorPayload
	if err := json.Unmarshal([]byte(action.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("engine: invalid cancel-prior-subscription payload: %w", err)
	}

	adapter, err := h.registry.Adapter(payload.Provider)
	if err != nil {
		return err
	}

	id := models.SubIdentity{Provider: payload.Provider, OriginalTransactionID: payload.OriginalTransactionID}
	_, err = h.repo.UpdateSubscription(ctx, id, func(sub *models.Subscription) ([]models.Action, error) {
		if sub.CanceledAt != nil {
			// Already canceled by a prior, tolerated replay of this action.
			return nil, nil
		}
		ok, err := adapter.CancelSubscription(ctx, payload.OriginalTransactionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: provider declined cancellation", ErrProviderFailure)
		}
		return nil, cancelSubscription(sub, h.clock.Now())
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
