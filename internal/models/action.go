package models

import "time"

// ActionKind names a post-transition side effect queued by the engine.
type ActionKind string

const (
	ActionCancelPriorSubscription  ActionKind = "cancel-prior-subscription"
	ActionNotifySubscriptionActive ActionKind = "notify-subscription-activated"
	ActionNotifyWebhook            ActionKind = "notify-webhook"
)

// AggregateKind names the aggregate an Action was triggered alongside.
type AggregateKind string

const (
	AggregateTransaction  AggregateKind = "transaction"
	AggregateSubscription AggregateKind = "subscription"
)

// Action is a queued, at-least-once, idempotent post-transition side effect.
// It is persisted in the same write as the transition that triggered it so
// a crash between the transition and its effect is forward-recoverable:
// Drain re-discovers and re-drives any action still undispatched.
type Action struct {
	BaseModel

	ActionID string `json:"action_id" gorm:"not null;uniqueIndex"`

	Kind          ActionKind    `json:"kind" gorm:"not null;size:40;index"`
	AggregateKind AggregateKind `json:"aggregate_kind" gorm:"not null;size:20"`
	AggregateID   string        `json:"aggregate_id" gorm:"not null;index"`

	// PayloadJSON is handler-specific, opaque to the queue itself.
	PayloadJSON string `json:"payload" gorm:"type:text"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty" gorm:"index"`
	Attempts     int        `json:"attempts" gorm:"not null;default:0"`
	LastError    string     `json:"last_error,omitempty" gorm:"type:text"`
}

// TableName pins the table name.
func (Action) TableName() string {
	return "actions"
}

// IsDispatched reports whether the action has been successfully delivered.
func (a Action) IsDispatched() bool {
	return a.DispatchedAt != nil
}
