package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places carried by every amount.
const MoneyScale = 2

// ParseAmount parses a user-supplied amount. It must be positive with at most
// MoneyScale decimal places; anything else is ErrInvalidAmount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount checks that d is a positive amount with at most MoneyScale
// decimal places. Amounts are never rounded or clamped.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero, got %s", ErrInvalidAmount, d.StringFixed(MoneyScale))
	}
	if !d.Equal(d.Truncate(MoneyScale)) {
		return fmt.Errorf("%w: at most %d decimal places, got %s", ErrInvalidAmount, MoneyScale, d.String())
	}
	return nil
}

// FormatMoney renders d with exactly MoneyScale decimal places.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}
