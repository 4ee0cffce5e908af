package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a monetary amount in integer minor units (cents for USD).
// All arithmetic stays in integers; decimal conversion happens only at
// the boundaries (meter prices, display).
type Money struct {
	minorUnits int64
	currency   string
}

// Decimals per currency for minor-unit conversion. Crypto assets settle
// in their token's own unit count.
var currencyDecimals = map[string]int32{
	"USD":  2,
	"EUR":  2,
	"USDC": 6,
}

// FromMinorUnits builds a Money from an already-scaled integer amount.
func FromMinorUnits(units int64, currency string) (Money, error) {
	if units < 0 {
		return Money{}, fmt.Errorf("negative amount: %d", units)
	}
	if currency == "" {
		return Money{}, fmt.Errorf("missing currency")
	}
	return Money{minorUnits: units, currency: currency}, nil
}

// ParseDecimal parses a decimal string like "1.50" into minor units of
// the given currency.
func ParseDecimal(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return Money{}, fmt.Errorf("negative amount: %s", s)
	}
	scaled := d.Shift(decimalsFor(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %s has more precision than %s allows", s, currency)
	}
	return Money{minorUnits: scaled.IntPart(), currency: currency}, nil
}

func decimalsFor(currency string) int32 {
	if d, ok := currencyDecimals[currency]; ok {
		return d
	}
	return 2
}

// MinorUnits returns the raw integer amount.
func (m Money) MinorUnits() int64 {
	return m.minorUnits
}

// Currency returns the currency code.
func (m Money) Currency() string {
	return m.currency
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.minorUnits == 0
}

// Add adds two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.currency, other.currency)
	}
	return Money{minorUnits: m.minorUnits + other.minorUnits, currency: m.currency}, nil
}

// Cmp compares amounts: -1 if m < other, 0 if equal, 1 if m > other.
// Currencies must match; comparing across currencies is a caller bug
// and panics like a slice bounds error would.
func (m Money) Cmp(other Money) int {
	if m.currency != other.currency {
		panic(fmt.Sprintf("money: comparing %s to %s", m.currency, other.currency))
	}
	switch {
	case m.minorUnits < other.minorUnits:
		return -1
	case m.minorUnits > other.minorUnits:
		return 1
	default:
		return 0
	}
}

// Decimal returns the amount as a decimal in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.minorUnits, -decimalsFor(m.currency))
}

// String formats the amount for logs and display.
func (m Money) String() string {
	return m.Decimal().StringFixed(decimalsFor(m.currency)) + " " + m.currency
}
