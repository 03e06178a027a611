// Package fixedpoint converts and scales 18-decimal base-unit amounts.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by base units
const Decimals = 18

var (
	ErrNegative  = errors.New("amount must not be negative")
	ErrPrecision = errors.New("amount has more than 18 fractional digits")
	ErrTooLarge  = errors.New("amount does not fit in 256 bits")
)

// One returns 1.0 expressed in base units (10^18). A fresh value is returned
// on every call so callers may use it as a destination.
func One() *uint256.Int {
	return uint256.NewInt(1_000_000_000_000_000_000)
}

// MulDiv computes floor(x*y/d) with a 512-bit intermediate product. The
// boolean reports that the quotient does not fit in 256 bits. d must be
// non-zero.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).MulDivOverflow(x, y, d)
}

// ParseBaseUnits parses a non-negative decimal integer string of base units
func ParseBaseUnits(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// ParseUnits converts a human-readable decimal such as "0.001" into base
// units. Input with more than 18 fractional digits is rejected rather than
// rounded.
func ParseUnits(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrPrecision
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrTooLarge
	}
	return v, nil
}

// MustParseUnits is ParseUnits for constants; it panics on invalid input.
func MustParseUnits(s string) *uint256.Int {
	v, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders base units as a decimal string with trailing zeros
// trimmed, e.g. 1500000000000000000 -> "1.5".
func FormatUnits(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -Decimals).String()
}
