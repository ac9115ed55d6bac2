package models

import "fmt"

// TxIdentity names a transaction globally: (provider, transactionID).
type TxIdentity struct {
	Provider      string
	TransactionID string
}

func (t TxIdentity) String() string {
	return fmt.Sprintf("%s:%s", t.Provider, t.TransactionID)
}

// SubIdentity names a subscription globally: (provider, originalTransactionID).
type SubIdentity struct {
	Provider              string
	OriginalTransactionID string
}

func (s SubIdentity) String() string {
	return fmt.Sprintf("%s:%s", s.Provider, s.OriginalTransactionID)
}
