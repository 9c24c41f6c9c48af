package services

import (
	"encoding/json"
	"math"

	"github.com/splatforge/backend/internal/config"
)

// CostBreakdown is the full pricing decomposition for one job. It is
// persisted in the usage transaction's metadata so a charge can be reproduced
// offline during a dispute, not just its final number.
type CostBreakdown struct {
	Iterations    int     `json:"iterations"`
	ImageCount    int     `json:"imageCount"`
	QualityTier   string  `json:"qualityTier"`
	IterationCost int64   `json:"iterationCost"`
	UnitCost      int64   `json:"unitCost"`
	Base          int64   `json:"base"`
	Multiplier    float64 `json:"multiplier"`
	Credits       int64   `json:"credits"`
}

func (cb CostBreakdown) JSON() string {
	data, _ := json.Marshal(cb)
	return string(data)
}

// Pricer maps job parameters to a credit price. Pure and deterministic; the
// constants are policy, loaded from config.
type Pricer struct {
	policy *config.PricingPolicy
}

func NewPricer(policy *config.PricingPolicy) *Pricer {
	return &Pricer{policy: policy}
}

// Cost computes the credit price for a job. Rounds up at the final step so
// fractional credits never under-charge.
func (p *Pricer) Cost(iterations, imageCount int, qualityTier string) CostBreakdown {
	perCredit := p.policy.IterationsPerCredit
	iterationCost := int64((iterations + perCredit - 1) / perCredit)
	unitCost := int64(imageCount) * p.policy.CreditsPerImage
	base := iterationCost + unitCost

	multiplier, ok := p.policy.TierMultipliers[qualityTier]
	if !ok {
		multiplier = p.policy.DefaultMultiplier
	}

	credits := int64(math.Ceil(float64(base) * multiplier))

	return CostBreakdown{
		Iterations:    iterations,
		ImageCount:    imageCount,
		QualityTier:   qualityTier,
		IterationCost: iterationCost,
		UnitCost:      unitCost,
		Base:          base,
		Multiplier:    multiplier,
		Credits:       credits,
	}
}
