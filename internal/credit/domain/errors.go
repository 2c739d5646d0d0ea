package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidPaymentRef   = errors.New("invalid_payment_ref")
	ErrInvalidPack         = errors.New("invalid_pack")
	ErrInvalidJob          = errors.New("invalid_job")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrAlreadyCommitted    = errors.New("already_committed")
	ErrRefundNotApplicable = errors.New("refund_not_applicable")
	ErrRefundExceedsSpend  = errors.New("refund_exceeds_spend")
	ErrInvariantViolation  = errors.New("ledger_invariant_violation")
	ErrAccountBusy         = errors.New("account_busy")
	ErrNotFound            = errors.New("not_found")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)

// InsufficientCreditsError carries the numbers a client needs to prompt a top-up.
type InsufficientCreditsError struct {
	Required  int64
	Balance   int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, balance %d, shortfall %d", e.Required, e.Balance, e.Shortfall)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// NewInsufficientCredits builds the denial error from an authorization.
func NewInsufficientCredits(auth Authorization) error {
	return &InsufficientCreditsError{
		Required:  auth.Cost,
		Balance:   auth.Balance,
		Shortfall: auth.Shortfall,
	}
}
