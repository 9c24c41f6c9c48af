package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/splatforge/backend/internal/audit"
	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
)

// BillingService reconciles payment-processor events into ledger credits and
// account tier changes. Processing is idempotent per external event id: the
// dedup insert and the resulting credit commit in one database transaction,
// so a replayed webhook can never double-credit.
type BillingService struct {
	db     *sql.DB
	ledger *LedgerService
	policy *config.BillingPolicy
	audit  *audit.Logger
}

func NewBillingService(db *sql.DB, ledger *LedgerService, policy *config.BillingPolicy) *BillingService {
	return &BillingService{
		db:     db,
		ledger: ledger,
		policy: policy,
		audit:  audit.NewLogger(),
	}
}

// Process applies one payment event. Credits bypass admission control; they
// are only ever guarded on the spend side.
func (s *BillingService) Process(event models.PaymentEvent) error {
	if event.EventID == "" || event.AccountID == "" {
		return fmt.Errorf("%w: payment event missing id or account", ErrPolicyNotConfigured)
	}

	if err := s.ledger.EnsureAccount(event.AccountID); err != nil {
		return err
	}

	return s.ledger.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		inserted, err := s.claimEvent(tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			log.Printf("[BILLING] Duplicate payment event %s/%s, skipping", event.Provider, event.EventID)
			return nil
		}

		if err := s.applyEvent(tx, event); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// claimEvent records the event id; a conflict means it was already processed.
func (s *BillingService) claimEvent(tx *sql.Tx, event models.PaymentEvent) (bool, error) {
	result, err := tx.Exec(`
		INSERT INTO payment_events (provider, event_id, event_type, account_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.Provider, event.EventID, event.Type, event.AccountID, time.Now())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *BillingService) applyEvent(tx *sql.Tx, event models.PaymentEvent) error {
	switch event.Type {
	case models.EventPurchaseSucceeded:
		pkg, ok := s.policy.Packages[event.PackageID]
		if !ok {
			return fmt.Errorf("%w: unknown credit package %q", ErrPolicyNotConfigured, event.PackageID)
		}
		total := pkg.Credits + pkg.BonusCredits
		description := fmt.Sprintf("Purchase of %s package", pkg.ID)
		if _, err := s.ledger.CreditTx(tx, event.AccountID, total, models.TxnPurchase, description, "", ""); err != nil {
			return err
		}
		return s.setCustomerRef(tx, event.AccountID, event.CustomerRef)

	case models.EventSubscriptionInvoicePaid:
		plan, ok := s.policy.Plans[event.PlanID]
		if !ok {
			return fmt.Errorf("%w: unknown subscription plan %q", ErrPolicyNotConfigured, event.PlanID)
		}
		description := fmt.Sprintf("Monthly grant for %s plan", plan.ID)
		_, err := s.ledger.CreditTx(tx, event.AccountID, plan.MonthlyCredits, models.TxnSubscriptionGrant, description, "", "")
		return err

	case models.EventSubscriptionCreated, models.EventSubscriptionUpdated:
		plan, ok := s.policy.Plans[event.PlanID]
		if !ok {
			return fmt.Errorf("%w: unknown subscription plan %q", ErrPolicyNotConfigured, event.PlanID)
		}
		return s.setSubscription(tx, event.AccountID, plan.Tier, mapSubscriptionStatus(event.Status), event.CustomerRef)

	case models.EventSubscriptionDeleted:
		return s.setSubscription(tx, event.AccountID, models.TierFree, models.SubscriptionNone, "")

	default:
		log.Printf("[BILLING] Ignoring unhandled event type %q (%s)", event.Type, event.EventID)
		return nil
	}
}

func (s *BillingService) setSubscription(tx *sql.Tx, accountID, tier, status, customerRef string) error {
	_, err := tx.Exec(`
		UPDATE accounts
		SET tier = $2, subscription_status = $3,
		    billing_customer_ref = COALESCE(NULLIF($4, ''), billing_customer_ref),
		    version = version + 1, updated_at = $5
		WHERE id = $1`,
		accountID, tier, status, customerRef, time.Now())
	return err
}

func (s *BillingService) setCustomerRef(tx *sql.Tx, accountID, customerRef string) error {
	if customerRef == "" {
		return nil
	}
	_, err := tx.Exec(`
		UPDATE accounts
		SET billing_customer_ref = $2, version = version + 1, updated_at = $3
		WHERE id = $1`,
		accountID, customerRef, time.Now())
	return err
}

// AccountByCustomerRef resolves a processor customer id to an account, used
// when a webhook carries no account metadata.
func (s *BillingService) AccountByCustomerRef(customerRef string) (string, error) {
	var accountID string
	err := s.db.QueryRow(`SELECT id FROM accounts WHERE billing_customer_ref = $1`, customerRef).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	return accountID, err
}

func mapSubscriptionStatus(status string) string {
	switch status {
	case "active", "ACTIVE":
		return models.SubscriptionActive
	case "past_due", "PAST_DUE":
		return models.SubscriptionPastDue
	case "canceled", "CANCELED":
		return models.SubscriptionCanceled
	case "trialing", "TRIALING":
		return models.SubscriptionTrialing
	default:
		return models.SubscriptionNone
	}
}

// CheckoutResult is the hosted payment page for a purchase or subscription.
type CheckoutResult struct {
	SessionID   string `json:"sessionId"`
	CheckoutURL string `json:"checkoutUrl"`
}

// CreateCheckout creates a hosted checkout session for a one-time credit
// package or a subscription plan. The hosted page itself belongs to the
// payment processor; we only mint the session.
func (s *BillingService) CreateCheckout(accountID, packageID, planID string) (*CheckoutResult, error) {
	if s.policy.StripeSecretKey == "" {
		return nil, ErrPolicyNotConfigured
	}

	if err := s.ledger.EnsureAccount(accountID); err != nil {
		return nil, err
	}

	var priceID string
	mode := stripe.CheckoutSessionModePayment
	metadata := map[string]string{"accountId": accountID}

	switch {
	case packageID != "":
		pkg, ok := s.policy.Packages[packageID]
		if !ok || pkg.PriceID == "" {
			return nil, fmt.Errorf("%w: package %q has no price configured", ErrPolicyNotConfigured, packageID)
		}
		priceID = pkg.PriceID
		metadata["packageId"] = pkg.ID
	case planID != "":
		plan, ok := s.policy.Plans[planID]
		if !ok || plan.PriceID == "" {
			return nil, fmt.Errorf("%w: plan %q has no price configured", ErrPolicyNotConfigured, planID)
		}
		priceID = plan.PriceID
		mode = stripe.CheckoutSessionModeSubscription
		metadata["planId"] = plan.ID
	default:
		return nil, fmt.Errorf("%w: checkout needs a package or a plan", ErrPolicyNotConfigured)
	}

	stripe.Key = s.policy.StripeSecretKey
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		SuccessURL:        stripe.String(s.policy.SuccessURL),
		CancelURL:         stripe.String(s.policy.CancelURL),
		ClientReferenceID: stripe.String(accountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("checkout session: %w", err)
	}

	log.Printf("[BILLING] Created checkout session %s for account %s", sess.ID, accountID)
	return &CheckoutResult{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// MapStripeEvent normalizes a Stripe webhook event into the internal payment
// event model. Returns ok=false for event types the reconciler does not
// consume.
func (s *BillingService) MapStripeEvent(event stripe.Event) (models.PaymentEvent, bool, error) {
	out := models.PaymentEvent{
		Provider: "stripe",
		EventID:  event.ID,
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return out, false, err
		}
		// Subscription checkouts are reconciled from the subscription events.
		if sess.Mode != stripe.CheckoutSessionModePayment {
			return out, false, nil
		}
		out.Type = models.EventPurchaseSucceeded
		out.AccountID = sess.Metadata["accountId"]
		out.PackageID = sess.Metadata["packageId"]
		if sess.Customer != nil {
			out.CustomerRef = sess.Customer.ID
		}
		return out, true, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, false, err
		}
		switch event.Type {
		case "customer.subscription.created":
			out.Type = models.EventSubscriptionCreated
		case "customer.subscription.updated":
			out.Type = models.EventSubscriptionUpdated
		default:
			out.Type = models.EventSubscriptionDeleted
		}
		out.Status = string(sub.Status)
		if sub.Customer != nil {
			out.CustomerRef = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			if plan, ok := s.policy.PlanForPrice(sub.Items.Data[0].Price.ID); ok {
				out.PlanID = plan.ID
			}
		}
		out.AccountID = sub.Metadata["accountId"]
		if out.AccountID == "" && out.CustomerRef != "" {
			accountID, err := s.AccountByCustomerRef(out.CustomerRef)
			if err != nil {
				return out, false, err
			}
			out.AccountID = accountID
		}
		return out, true, nil

	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return out, false, err
		}
		out.Type = models.EventSubscriptionInvoicePaid
		if inv.Customer != nil {
			out.CustomerRef = inv.Customer.ID
		}
		if inv.Lines != nil {
			for _, line := range inv.Lines.Data {
				if line.Price == nil {
					continue
				}
				if plan, ok := s.policy.PlanForPrice(line.Price.ID); ok {
					out.PlanID = plan.ID
					break
				}
			}
		}
		if out.CustomerRef != "" {
			accountID, err := s.AccountByCustomerRef(out.CustomerRef)
			if err != nil {
				return out, false, err
			}
			out.AccountID = accountID
		}
		return out, true, nil
	}

	return out, false, nil
}
