// Package errs holds the settlement error taxonomy. Callers wrap these sentinels with
// context using fmt.Errorf and test them with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: wallet, asset, transaction or record missing. Abort the item, continue the batch.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState: a status guard did not match because another run already advanced it.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientBalance: a debit would take a balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrExternalUnavailable: chain client or price oracle failed. Retry next tick.
	ErrExternalUnavailable = errors.New("external service unavailable")
	// ErrReceiptFailed: the on-chain transaction reverted.
	ErrReceiptFailed = errors.New("transaction receipt failed")

	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("concurrent update conflict")
	ErrReferralCycle  = errors.New("referral cycle")
)

// External marks err as an external collaborator failure for op.
func External(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrExternalUnavailable, err)
}

// Invalid builds an ErrInvalidRequest with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Skippable reports whether err only means "someone else already did this".
func Skippable(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
