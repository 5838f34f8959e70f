// Package money holds the fixed-point amount helpers used for balances and transfers.
package money

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
)

// Scale is the number of fractional digits every amount is normalised to.
const Scale int32 = 8

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse reads a decimal string and validates it as a non-negative amount.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, apperrors.RequiredError("amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperrors.InvalidArgument("amount", fmt.Sprintf("not a decimal: %q", s))
	}
	if err := ValidateNonNegative(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ValidatePositive rejects zero, negative, or over-precise amounts.
func ValidatePositive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return apperrors.InvalidArgument("amount", "must be positive")
	}
	return checkScale(d)
}

// ValidateNonNegative rejects negative or over-precise amounts.
func ValidateNonNegative(d decimal.Decimal) error {
	if d.IsNegative() {
		return apperrors.InvalidArgument("amount", "must not be negative")
	}
	return checkScale(d)
}

func checkScale(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(Scale)) {
		return apperrors.InvalidArgument("amount", fmt.Sprintf("more than %d fractional digits", Scale))
	}
	return nil
}

// Canonical renders d with exactly Scale fractional digits, so equal amounts
// always produce identical strings ("250" and "250.00" both become "250.00000000").
func Canonical(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// ToBaseUnits converts d to an integer count of the smallest unit for a token with
// the given number of decimals.
func ToBaseUnits(d decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, apperrors.InvalidArgument("amount", "must not be negative")
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, apperrors.InvalidArgument("amount", fmt.Sprintf("not representable with %d decimals", decimals))
	}
	units, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, apperrors.InvalidArgument("amount", "exceeds 256 bits")
	}
	return units, nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units *uint256.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units.ToBig(), -decimals)
}

// Sum adds amounts exactly.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
