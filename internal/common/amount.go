package common

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of base units in one whole coin, expressed as a
// power of ten. Amounts everywhere else are kept in base units.
const EtherDecimals = 18

var (
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrFractionalAmount = errors.New("amount must be a whole number of base units")
)

// Wei returns an amount of n base units.
func Wei(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// ValidateAmount checks that a is usable as a ledger amount.
func ValidateAmount(a decimal.Decimal) error {
	if a.IsNegative() {
		return ErrNegativeAmount
	}
	if !a.IsInteger() {
		return ErrFractionalAmount
	}
	return nil
}

// ParseAmount parses a base unit amount such as "100000000000000".
func ParseAmount(s string) (decimal.Decimal, error) {
	a, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if err := ValidateAmount(a); err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return a, nil
}

// ParseEther parses a coin denominated amount ("0.0001") into base units.
func ParseEther(s string) (decimal.Decimal, error) {
	a, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ether %q: %w", s, err)
	}
	a = a.Shift(EtherDecimals)
	if err := ValidateAmount(a); err != nil {
		return decimal.Zero, fmt.Errorf("parse ether %q: %w", s, err)
	}
	return a, nil
}

// FormatEther renders base units as a coin denominated string.
func FormatEther(a decimal.Decimal) string {
	return a.Shift(-EtherDecimals).String()
}
