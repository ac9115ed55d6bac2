package models

import "time"

// UserView is a read-only projection: every non-canceled
// subscription plus every completed purchase transaction belonging to a
// user. It is computed fresh on every read; nothing about it is persisted.
type UserView struct {
	UserID               string
	Subscriptions        []Subscription
	PurchaseTransactions []Transaction
}

// GetExpireTime returns the maximum ExpiresAt across the user's
// subscriptions in the given product group, or the zero time and false if
// the user has none there.
func (u UserView) GetExpireTime(group string) (time.Time, bool) {
	var max time.Time
	found := false
	for _, s := range u.Subscriptions {
		if s.ProductGroup != group {
			continue
		}
		if !found || s.ExpiresAt.After(max) {
			max = s.ExpiresAt
			found = true
		}
	}
	return max, found
}
