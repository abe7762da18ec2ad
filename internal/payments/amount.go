package payments

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// parseAmount reads a plain non-negative decimal with at most two
// significant fraction digits. Exponent, sign and NaN forms are refused.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE+-") {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(2)) {
		return decimal.Zero, fmt.Errorf("invalid amount %q: more than 2 decimals", s)
	}
	return d, nil
}

// ParseMinor converts a decimal string such as "12.5" into minor units (1250).
func ParseMinor(s string) (int64, error) {
	d, err := parseAmount(s)
	if err != nil {
		return 0, err
	}
	minor := d.Shift(2).BigInt()
	if !minor.IsInt64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return minor.Int64(), nil
}

// FormatMinor renders minor units as a 2-decimal string.
func FormatMinor(v int64) string {
	return decimal.New(v, -2).StringFixed(2)
}

// NormalizeAmount renders an amount with exactly two decimals.
func NormalizeAmount(s string) (string, error) {
	d, err := parseAmount(s)
	if err != nil {
		return "", err
	}
	return d.StringFixed(2), nil
}

// AmountsMatch reports whether both strings are valid amounts of equal value.
func AmountsMatch(a, b string) bool {
	da, err := parseAmount(a)
	if err != nil {
		return false
	}
	db, err := parseAmount(b)
	if err != nil {
		return false
	}
	return da.Equal(db)
}
