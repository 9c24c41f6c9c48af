package models

import "time"

// Internal payment event types the reconciler understands. Stripe webhook
// events are mapped onto these before processing so the ledger side stays
// processor-agnostic.
const (
	EventPurchaseSucceeded       = "purchase.succeeded"
	EventSubscriptionCreated     = "subscription.created"
	EventSubscriptionUpdated     = "subscription.updated"
	EventSubscriptionDeleted     = "subscription.deleted"
	EventSubscriptionInvoicePaid = "subscription.invoice.paid"
)

// PaymentEvent is a processor-agnostic billing event. EventID is the external
// processor's event id and is the deduplication key: replaying the same event
// must not credit twice.
type PaymentEvent struct {
	Provider    string     `json:"provider"`
	EventID     string     `json:"eventId"`
	Type        string     `json:"type"`
	AccountID   string     `json:"accountId"`
	PackageID   string     `json:"packageId,omitempty"`
	PlanID      string     `json:"planId,omitempty"`
	Status      string     `json:"status,omitempty"`
	CustomerRef string     `json:"customerRef,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
}

// CreditPackage is a one-time purchase offering.
type CreditPackage struct {
	ID           string `json:"id"`
	Credits      int64  `json:"credits"`
	BonusCredits int64  `json:"bonusCredits"`
	PriceID      string `json:"-"` // processor price reference
}

// SubscriptionPlan is a recurring offering that grants credits each period
// and sets the account tier.
type SubscriptionPlan struct {
	ID             string `json:"id"`
	Tier           string `json:"tier"`
	MonthlyCredits int64  `json:"monthlyCredits"`
	PriceID        string `json:"-"`
}
