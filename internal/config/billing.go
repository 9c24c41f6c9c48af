package config

import "github.com/splatforge/backend/internal/models"

// BillingPolicy maps payment-processor offerings onto credit grants. Price
// references come from the processor dashboard and are environment-specific.
type BillingPolicy struct {
	StripeSecretKey string
	WebhookSecret   string
	SuccessURL      string
	CancelURL       string
	Packages        map[string]models.CreditPackage
	Plans           map[string]models.SubscriptionPlan
}

func LoadBillingPolicy() *BillingPolicy {
	return &BillingPolicy{
		StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		SuccessURL:      getEnv("CHECKOUT_SUCCESS_URL", "https://app.splatforge.io/billing/success"),
		CancelURL:       getEnv("CHECKOUT_CANCEL_URL", "https://app.splatforge.io/billing/cancel"),
		Packages: map[string]models.CreditPackage{
			"starter": {
				ID:           "starter",
				Credits:      int64(getEnvAsInt("PACKAGE_STARTER_CREDITS", 100)),
				BonusCredits: int64(getEnvAsInt("PACKAGE_STARTER_BONUS", 0)),
				PriceID:      getEnv("PACKAGE_STARTER_PRICE_ID", ""),
			},
			"creator": {
				ID:           "creator",
				Credits:      int64(getEnvAsInt("PACKAGE_CREATOR_CREDITS", 500)),
				BonusCredits: int64(getEnvAsInt("PACKAGE_CREATOR_BONUS", 50)),
				PriceID:      getEnv("PACKAGE_CREATOR_PRICE_ID", ""),
			},
			"studio": {
				ID:           "studio",
				Credits:      int64(getEnvAsInt("PACKAGE_STUDIO_CREDITS", 2000)),
				BonusCredits: int64(getEnvAsInt("PACKAGE_STUDIO_BONUS", 300)),
				PriceID:      getEnv("PACKAGE_STUDIO_PRICE_ID", ""),
			},
		},
		Plans: map[string]models.SubscriptionPlan{
			"pro": {
				ID:             "pro",
				Tier:           models.TierPro,
				MonthlyCredits: int64(getEnvAsInt("PLAN_PRO_MONTHLY_CREDITS", 1000)),
				PriceID:        getEnv("PLAN_PRO_PRICE_ID", ""),
			},
			"enterprise": {
				ID:             "enterprise",
				Tier:           models.TierEnterprise,
				MonthlyCredits: int64(getEnvAsInt("PLAN_ENTERPRISE_MONTHLY_CREDITS", 5000)),
				PriceID:        getEnv("PLAN_ENTERPRISE_PRICE_ID", ""),
			},
		},
	}
}

// PlanForPrice resolves a processor price reference back to a plan.
func (b *BillingPolicy) PlanForPrice(priceID string) (models.SubscriptionPlan, bool) {
	for _, p := range b.Plans {
		if p.PriceID != "" && p.PriceID == priceID {
			return p, true
		}
	}
	return models.SubscriptionPlan{}, false
}
