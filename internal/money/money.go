// Package money holds the fixed-point helpers used for order totals.
// Amounts are int64 minor units (cents); rates are decimal percentages.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseRate parses a percentage such as "11" or "7.5". Empty means zero.
func ParseRate(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", raw, err)
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("rate %q out of range", raw)
	}
	return rate, nil
}

// TaxOn returns the tax for base at ratePercent, rounded half away from zero
// to whole cents.
func TaxOn(base int64, ratePercent decimal.Decimal) int64 {
	if base == 0 || ratePercent.IsZero() {
		return 0
	}
	return decimal.NewFromInt(base).Mul(ratePercent).Div(hundred).Round(0).IntPart()
}

// Format renders cents as a two-decimal string for CSV output.
func Format(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
