// Package domain contains pure business types with no infrastructure imports.
// This is the innermost ring: accounts, users, transactions, sessions, the
// account-type policy table, sentinel errors and the boundaries the core
// depends on.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Account Types ──────────────────────────────────────────────────────────

// AccountType tags an account; policy differences are looked up in a Policies
// table instead of being encoded in subtypes.
type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
	AccountPremium  AccountType = "premium"
)

// AccountTypes lists every supported account type.
func AccountTypes() []AccountType {
	return []AccountType{AccountChecking, AccountSavings, AccountPremium}
}

// ParseAccountType validates a user-supplied account type.
func ParseAccountType(s string) (AccountType, error) {
	for _, t := range AccountTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown account type %q", s)
}

// ─── Account ────────────────────────────────────────────────────────────────

// Account is a single ledger account.
type Account struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Type           AccountType     `json:"type"`
	Balance        decimal.Decimal `json:"balance"`
	DailyWithdrawn decimal.Decimal `json:"daily_withdrawn"`
	DailyResetOn   string          `json:"daily_reset_on"` // YYYY-MM-DD of the accumulator
	CreditLimit    decimal.Decimal `json:"credit_limit"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// Available returns balance plus credit limit: the most that can be debited.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Add(a.CreditLimit)
}

// Closed reports whether the account has been closed.
func (a Account) Closed() bool {
	return a.ClosedAt != nil
}

// ─── User ───────────────────────────────────────────────────────────────────

// User owns one or more accounts. Credentials are stored as hashes only.
type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	PINHash        string     `json:"-"`
	PasswordHash   string     `json:"-"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
}

// LockedAt reports whether the user is locked out at the given instant.
func (u User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// ─── Session ────────────────────────────────────────────────────────────────

// SessionState is the state of an ATM session.
type SessionState int

const (
	SessionAuthenticated SessionState = iota
	SessionExpired
	SessionLoggedOut
	SessionLocked
)

// String returns the lower-case state name.
func (s SessionState) String() string {
	switch s {
	case SessionAuthenticated:
		return "authenticated"
	case SessionExpired:
		return "expired"
	case SessionLoggedOut:
		return "logged_out"
	case SessionLocked:
		return "locked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s != SessionAuthenticated
}

// Session is a snapshot of an authenticated interaction.
type Session struct {
	Token        string        `json:"token"`
	UserID       string        `json:"user_id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	State        SessionState  `json:"state"`
}

// ─── Utilities ──────────────────────────────────────────────────────────────

// DayOf returns the calendar day of t in loc, formatted YYYY-MM-DD.
// The daily withdrawal accumulator resets when this value changes.
func DayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}
