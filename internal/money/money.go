// Package money provides fixed-point decimal parsing and formatting for
// transaction amounts.
//
// Amounts travel as decimal strings (e.g. "150.00") and are manipulated
// as big.Int values in minor units with 4 decimal places, enough for
// fiat currencies with sub-cent precision (1.00 = 10000 units).
package money

import (
	"math/big"
	"strings"
)

const Decimals = 4

// Parse converts a decimal string to its minor-unit big.Int
// representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string parses as zero
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional parts are padded or truncated to 4 places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts a minor-unit big.Int back to a decimal string with
// exactly 4 decimal places.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.0000"
	}
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	split := len(s) - Decimals
	out := s[:split] + "." + s[split:]
	if amount.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// Canonical normalizes an amount string to its 4-decimal-place form,
// so values round-trip identically through every backing store.
// Invalid input is returned unchanged.
func Canonical(s string) string {
	v, ok := Parse(s)
	if !ok {
		return s
	}
	return Format(v)
}

// Valid reports whether s parses as a non-negative amount.
func Valid(s string) bool {
	_, ok := Parse(s)
	return ok
}

// Float converts a decimal amount string to float64 for scoring math.
// Invalid input yields 0.
func Float(s string) float64 {
	v, ok := Parse(s)
	if !ok {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(10000)).Float64()
	return f
}
