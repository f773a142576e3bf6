package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ─── Account Policies ───────────────────────────────────────────────────────

// Policy holds the limits that differ between account types.
type Policy struct {
	DailyLimit decimal.Decimal // max withdrawn per calendar day
	Overdraft  decimal.Decimal // credit limit granted at account opening
}

// OverdraftEligible reports whether accounts of this policy may go negative.
func (p Policy) OverdraftEligible() bool {
	return p.Overdraft.IsPositive()
}

// Policies maps each account type to its policy.
type Policies map[AccountType]Policy

// DefaultPolicies returns the stock limits per account type.
func DefaultPolicies() Policies {
	return Policies{
		AccountChecking: {DailyLimit: decimal.NewFromInt(500), Overdraft: decimal.NewFromInt(100)},
		AccountSavings:  {DailyLimit: decimal.NewFromInt(300), Overdraft: decimal.Zero},
		AccountPremium:  {DailyLimit: decimal.NewFromInt(1000), Overdraft: decimal.NewFromInt(500)},
	}
}

// For returns the policy for t.
func (p Policies) For(t AccountType) (Policy, error) {
	pol, ok := p[t]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for account type %q", t)
	}
	return pol, nil
}

// Validate checks that every account type has a non-negative policy.
func (p Policies) Validate() error {
	for _, t := range AccountTypes() {
		pol, ok := p[t]
		if !ok {
			return fmt.Errorf("missing policy for account type %q", t)
		}
		if pol.DailyLimit.IsNegative() {
			return fmt.Errorf("%s: daily limit must not be negative", t)
		}
		if pol.Overdraft.IsNegative() {
			return fmt.Errorf("%s: overdraft must not be negative", t)
		}
	}
	return nil
}
