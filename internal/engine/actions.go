package engine

import (
	"context"
	"fmt"
	"time"

	"payflow/internal/models"
)

// ActionHandler dispatches one kind of queued side effect. Handlers MUST
// be idempotent: actions are delivered at-least-once.
type ActionHandler interface {
	Kind() models.ActionKind
	Dispatch(ctx context.Context, action models.Action) error
}

// actionQueue drains persisted Action rows, retrying failed dispatches on
// a 1s/5s/30s backoff schedule before giving up and recording lastError
// without blocking the rest of the queue.
type actionQueue struct {
	repo        Repository
	handlers    map[models.ActionKind]ActionHandler
	retryDelays []time.Duration
}

func newActionQueue(repo Repository, handlers []ActionHandler) *actionQueue {
	byKind := make(map[models.ActionKind]ActionHandler, len(handlers))
	for _, h := range handlers {
		byKind[h.Kind()] = h
	}
	return &actionQueue{
		repo:        repo,
		handlers:    byKind,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// Drain dispatches every un-dispatched action exactly once per call,
// retrying transient failures inline before moving on.
func (q *actionQueue) Drain(ctx context.Context) error {
	pending, err := q.repo.ListUndispatchedActions(ctx)
	if err != nil {
		return err
	}

	for _, action := range pending {
		if ctx.Err() != nil {
			return ErrCanceled
		}

		handler, ok := q.handlers[action.Kind]
		if !ok {
			_ = q.repo.MarkActionFailed(ctx, action.ActionID, fmt.Errorf("no handler registered for action kind %q", action.Kind))
			continue
		}

		if err := q.dispatchWithRetry(ctx, handler, action); err != nil {
			_ = q.repo.MarkActionFailed(ctx, action.ActionID, err)
			continue
		}
		if err := q.repo.MarkActionDispatched(ctx, action.ActionID); err != nil {
			return err
		}
	}
	return nil
}

// dispatchOnce attempts a single inline delivery of an already-persisted
// action, marking it dispatched on success and failed otherwise. Failures
// are swallowed: the action stays queued for the next Drain pass.
func (q *actionQueue) dispatchOnce(ctx context.Context, action models.Action) {
	handler, ok := q.handlers[action.Kind]
	if !ok {
		return
	}
	if err := handler.Dispatch(ctx, action); err != nil {
		_ = q.repo.MarkActionFailed(ctx, action.ActionID, err)
		return
	}
	_ = q.repo.MarkActionDispatched(ctx, action.ActionID)
}

func (q *actionQueue) dispatchWithRetry(ctx context.Context, handler ActionHandler, action models.Action) error {
	var lastErr error
	for attempt := 0; attempt <= len(q.retryDelays); attempt++ {
		if err := handler.Dispatch(ctx, action); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < len(q.retryDelays) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.retryDelays[attempt]):
			}
		}
	}
	return lastErr
}
