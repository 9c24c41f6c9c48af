package services

import (
	"log"

	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/models"
)

// AdmissionService is the pre-flight policy check before a job may start:
// feature gate, then rate gate, then balance gate, all read-only. The ledger
// re-verifies the balance atomically at debit time, so a pass here is a
// prediction, not a reservation.
type AdmissionService struct {
	ledger *LedgerService
	usage  *UsageService
	limits *config.LimitsPolicy
}

func NewAdmissionService(ledger *LedgerService, usage *UsageService, limits *config.LimitsPolicy) *AdmissionService {
	return &AdmissionService{ledger: ledger, usage: usage, limits: limits}
}

// Admit returns nil to allow, or a typed denial. Gates are evaluated in
// order; the first failing gate is the reported reason.
func (s *AdmissionService) Admit(accountID, requestedTier string, cost int64) error {
	account, err := s.ledger.GetAccount(accountID)
	if err != nil {
		return err
	}

	if !account.Active {
		return ErrAccessDenied
	}

	// Feature gate: free accounts are restricted to the free quality preset.
	if account.Tier == models.TierFree && requestedTier != s.limits.FreeAllowedTier {
		return ErrTierRestricted
	}

	// Rate gate: paid tiers are uncapped.
	if account.Tier == models.TierFree {
		counters, err := s.usage.CheckAndReset(accountID)
		if err != nil {
			return err
		}
		if counters.JobsToday >= s.limits.FreeDailyJobCap || counters.JobsThisMonth >= s.limits.FreeMonthlyJobCap {
			log.Printf("[ADMISSION] Rate limited account %s (today=%d/%d, month=%d/%d)",
				accountID, counters.JobsToday, s.limits.FreeDailyJobCap,
				counters.JobsThisMonth, s.limits.FreeMonthlyJobCap)
			return ErrRateLimited
		}
	}

	// Balance gate: report the exact shortfall for client remediation.
	if account.CreditBalance < cost {
		return &InsufficientCreditsError{Required: cost, Available: account.CreditBalance}
	}

	return nil
}
