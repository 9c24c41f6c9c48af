package models

import "time"

// Transaction kinds. Usage is the only negative kind.
const (
	TxnPurchase          = "PURCHASE"
	TxnUsage             = "USAGE"
	TxnRefund            = "REFUND"
	TxnBonus             = "BONUS"
	TxnSubscriptionGrant = "SUBSCRIPTION_GRANT"
)

// Transaction is one append-only ledger entry. BalanceAfter is a snapshot of
// the account balance after this entry applied; replaying all entries for an
// account in creation order must reproduce the current balance.
type Transaction struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"accountId" db:"account_id"`
	Kind         string    `json:"kind" db:"kind"`
	Amount       int64     `json:"amount" db:"amount"` // signed credits
	BalanceAfter int64     `json:"balanceAfter" db:"balance_after"`
	RelatedJobID string    `json:"relatedJobId,omitempty" db:"related_job_id"`
	Description  string    `json:"description" db:"description"`
	Metadata     string    `json:"metadata,omitempty" db:"metadata"` // JSON breakdown
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}
