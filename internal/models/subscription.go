package models

import (
	"encoding/json"
	"time"
)

// SubscriptionStatus is derived from CanceledAt and the StartsAt/ExpiresAt
// window, never stored directly.
type SubscriptionStatus string

const (
	SubscriptionPending  SubscriptionStatus = "pending"
	SubscriptionNotStart SubscriptionStatus = "not-start"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription is a recurring entitlement, identified globally by
// (Provider, OriginalTransactionID). It is the aggregate root for an
// ordered chain of transactions: the first is the initiating purchase,
// subsequent ones are renewals.
type Subscription struct {
	BaseModel

	Provider              string `json:"provider" gorm:"not null;index:idx_sub_identity,unique"`
	OriginalTransactionID string `json:"original_transaction_id" gorm:"not null;index:idx_sub_identity,unique"`

	UserID       string `json:"user_id" gorm:"not null;index"`
	ProductGroup string `json:"product_group" gorm:"not null;index"`
	ProductID    string `json:"product_id" gorm:"not null"`

	// TransactionRefsJSON stores the ordered chain of transaction
	// identities (provider:transactionID) as a JSON text column, the same
	// way Raw blobs are stored, rather than through a join table.
	TransactionRefsJSON string `json:"-" gorm:"type:text;column:transaction_refs"`

	StartsAt  time.Time  `json:"starts_at"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index"`
	CanceledAt *time.Time `json:"canceled_at,omitempty" gorm:"index"`

	RenewalEnabled bool `json:"renewal_enabled" gorm:"not null;default:false"`

	// RechargeAttempt carries the retry counter across renewal passes
	// until a terminal adapter outcome arrives or ExpiresAt lapses.
	RechargeAttempt int        `json:"recharge_attempt" gorm:"not null;default:0"`
	LastFailedAt    *time.Time `json:"last_failed_at,omitempty"`

	// RenewalInFlight marks a renewal attempt as claimed by a
	// reconciliation pass so ListSubscriptionsDueForRenewal does not hand
	// the same subscription to two concurrent passes.
	RenewalInFlight bool `json:"-" gorm:"not null;default:false"`
}

// TableName pins the table name.
func (Subscription) TableName() string {
	return "subscriptions"
}

// Identity returns the subscription's global identity.
func (s Subscription) Identity() SubIdentity {
	return SubIdentity{Provider: s.Provider, OriginalTransactionID: s.OriginalTransactionID}
}

// TransactionRefs decodes the ordered chain of linked transaction identities.
func (s Subscription) TransactionRefs() []TxIdentity {
	if s.TransactionRefsJSON == "" {
		return nil
	}
	var refs []TxIdentity
	if err := json.Unmarshal([]byte(s.TransactionRefsJSON), &refs); err != nil {
		return nil
	}
	return refs
}

// SetTransactionRefs encodes the ordered chain of linked transaction
// identities, appending-only in practice.
func (s *Subscription) SetTransactionRefs(refs []TxIdentity) {
	b, _ := json.Marshal(refs)
	s.TransactionRefsJSON = string(b)
}

// AppendTransactionRef appends a transaction identity to the chain.
func (s *Subscription) AppendTransactionRef(id TxIdentity) {
	refs := s.TransactionRefs()
	refs = append(refs, id)
	s.SetTransactionRefs(refs)
}

// Status derives the subscription's lifecycle state at time now.
func (s Subscription) Status(now time.Time) SubscriptionStatus {
	if s.CanceledAt != nil {
		return SubscriptionCanceled
	}
	if s.StartsAt.IsZero() {
		return SubscriptionPending
	}
	if now.Before(s.StartsAt) {
		return SubscriptionNotStart
	}
	if now.Before(s.ExpiresAt) {
		return SubscriptionActive
	}
	// Confirmed, past its current coverage window, not yet renewed and not
	// explicitly canceled: treated as canceled once entitlement lapses.
	return SubscriptionCanceled
}
