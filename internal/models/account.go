package models

import "time"

// Account tiers. Tier gates features and rate limits, not pricing.
const (
	TierFree       = "FREE"
	TierPro        = "PRO"
	TierEnterprise = "ENTERPRISE"
)

// Subscription statuses mirrored from the payment processor.
const (
	SubscriptionNone     = "NONE"
	SubscriptionActive   = "ACTIVE"
	SubscriptionPastDue  = "PAST_DUE"
	SubscriptionCanceled = "CANCELED"
	SubscriptionTrialing = "TRIALING"
)

// Account holds the credit balance for one authenticated user. The balance is
// mutated only through ledger Debit/Credit; tier and subscription status only
// through the billing reconciler. Accounts are deactivated, never deleted.
type Account struct {
	ID                  string    `json:"id" db:"id"`
	CreditBalance       int64     `json:"creditBalance" db:"credit_balance"`
	CreditsUsedLifetime int64     `json:"creditsUsedLifetime" db:"credits_used_lifetime"`
	Tier                string    `json:"tier" db:"tier"`
	SubscriptionStatus  string    `json:"subscriptionStatus" db:"subscription_status"`
	BillingCustomerRef  string    `json:"-" db:"billing_customer_ref"`
	Active              bool      `json:"active" db:"active"`
	Version             int       `json:"-" db:"version"` // for optimistic locking
	CreatedAt           time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time `json:"updatedAt" db:"updated_at"`
}
