package models

import "time"

// TransactionStatus is derived, never stored directly: CompletedAt set means
// completed, CanceledAt set means canceled, otherwise pending.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionCanceled  TransactionStatus = "canceled"
)

// Transaction is one payment attempt, identified globally by
// (Provider, TransactionID). It belongs to at most one Subscription
// (via OriginalTransactionID) or to none, for a bare purchase.
type Transaction struct {
	BaseModel

	Provider      string `json:"provider" gorm:"not null;index:idx_tx_identity,unique"`
	TransactionID string `json:"transaction_id" gorm:"not null;index:idx_tx_identity,unique"`

	UserID    string      `json:"user_id" gorm:"not null;index"`
	ProductID string      `json:"product_id" gorm:"not null"`
	Type      ProductType `json:"type" gorm:"not null;size:20"`

	// OriginalTransactionID links a renewal (or the initiating transaction
	// itself) to the owning subscription. Empty for purchases.
	OriginalTransactionID string `json:"original_transaction_id" gorm:"index"`

	StartsAt         time.Time  `json:"starts_at" gorm:"not null"`
	PaymentExpiresAt time.Time  `json:"payment_expires_at" gorm:"not null;index"`
	PurchasedAt      *time.Time `json:"purchased_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" gorm:"index"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty" gorm:"index"`

	// Duration is only meaningful for subscription transactions.
	Duration time.Duration `json:"duration"`

	// LastFailedAt is persisted with the transaction but not set by the
	// engine: recharge failures are recorded on Subscription.LastFailedAt.
	LastFailedAt *time.Time `json:"last_failed_at,omitempty"`

	// Raw is the opaque provider response blob, stored as JSON text.
	Raw string `json:"raw" gorm:"type:text"`
}

// TableName pins the table name.
func (Transaction) TableName() string {
	return "transactions"
}

// Identity returns the transaction's global identity.
func (t Transaction) Identity() TxIdentity {
	return TxIdentity{Provider: t.Provider, TransactionID: t.TransactionID}
}

// Status derives the transaction's lifecycle state from its terminal
// timestamps. CompletedAt and CanceledAt are mutually exclusive invariants
// enforced by the transaction state machine, not by this accessor.
func (t Transaction) Status() TransactionStatus {
	switch {
	case t.CompletedAt != nil:
		return TransactionCompleted
	case t.CanceledAt != nil:
		return TransactionCanceled
	default:
		return TransactionPending
	}
}

// IsTerminal reports whether the transaction has reached a final state.
func (t Transaction) IsTerminal() bool {
	return t.Status() != TransactionPending
}
