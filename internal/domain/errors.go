package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Authentication errors
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrAccountLocked           = errors.New("user is locked out")
	ErrInvalidCredentialFormat = errors.New("invalid credential format")
	ErrUserNotFound            = errors.New("user not found")
	ErrInvalidProfile          = errors.New("invalid profile")

	// Session errors
	ErrSessionExpired = errors.New("session expired")
	ErrSessionInvalid = errors.New("session invalid")

	// Ledger errors
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrLimitExceeded          = errors.New("daily withdrawal limit exceeded")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountClosed          = errors.New("account closed")
	ErrAccountNotEmpty        = errors.New("account balance is not zero")
	ErrSameAccount            = errors.New("source and destination must be different accounts")
	ErrConcurrentModification = errors.New("concurrent modification")

	// History errors
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
)

// ─── Detailed Errors ────────────────────────────────────────────────────────
// Each matches its sentinel with errors.Is and carries enough detail for the
// caller to act on, scoped to the caller's own account.

// InsufficientFundsError reports required vs. available funds.
type InsufficientFundsError struct {
	AccountID string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: required %s, available %s",
		e.AccountID, FormatMoney(e.Required), FormatMoney(e.Available))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// LimitExceededError reports the daily cap and how much of it is used.
type LimitExceededError struct {
	AccountID string
	Limit     decimal.Decimal
	Used      decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily withdrawal limit exceeded on %s: limit %s, used %s, requested %s",
		e.AccountID, FormatMoney(e.Limit), FormatMoney(e.Used), FormatMoney(e.Requested))
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// Remaining is the amount that can still be withdrawn today.
func (e *LimitExceededError) Remaining() decimal.Decimal {
	r := e.Limit.Sub(e.Used)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// LockedError reports when a lockout ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("user is locked out until %s", e.Until.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }
