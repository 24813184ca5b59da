// Package money converts between minor-unit integers and major-unit decimal strings.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of minor-unit digits (kobo per naira).
const MinorUnitExponent = 2

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ToMinorUnits converts a major-unit decimal string to minor units, truncating
// toward zero so a fractional minor unit is never credited.
func ToMinorUnits(amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %q", amount)
	}
	minor := d.Shift(MinorUnitExponent).Truncate(0)
	if minor.GreaterThan(maxMinor) {
		return 0, fmt.Errorf("amount %q out of range", amount)
	}
	return minor.IntPart(), nil
}

// ToMajorUnits renders minor units as a fixed-place decimal string.
func ToMajorUnits(amountMinor int64) string {
	return decimal.New(amountMinor, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}
