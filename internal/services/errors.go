package services

import (
	"errors"
	"fmt"
)

// Denial and failure taxonomy. Handlers map these to HTTP statuses; anything
// not in this list is a 5xx and the caller retries the whole operation.
var (
	ErrTierRestricted      = errors.New("quality tier not available on free plan")
	ErrRateLimited         = errors.New("free tier job limit reached")
	ErrInvalidParameters   = errors.New("job parameters out of policy range")
	ErrDispatchFailed      = errors.New("compute provider rejected dispatch")
	ErrAlreadyTerminal     = errors.New("job already in a terminal state")
	ErrAccessDenied        = errors.New("access denied")
	ErrPolicyNotConfigured = errors.New("billing policy not configured")
	ErrAccountNotFound     = errors.New("account not found")
	ErrJobNotFound         = errors.New("job not found")

	// errConflict signals an optimistic-lock loss; ledger operations retry it
	// internally, it never escapes the services package.
	errConflict = errors.New("optimistic lock conflict")
)

// InsufficientCreditsError reports the exact shortfall so the client can
// offer remediation (buy credits, pick a cheaper preset).
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d (short %d)",
		e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

// IsInsufficientCredits unwraps the typed denial.
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}
