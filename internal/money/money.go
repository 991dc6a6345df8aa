// Package money holds currency codes and decimal amount helpers shared by the
// payment, ledger and invoicing packages.
package money

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a decimal monetary value. Floats are never used for money.
type Amount = decimal.Decimal

// Currency is an ISO-4217 alphabetic code.
type Currency string

// Currencies accepted by payment methods.
const (
	MXN Currency = "MXN"
	USD Currency = "USD"
	EUR Currency = "EUR"
	BRL Currency = "BRL"
	CAD Currency = "CAD"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	ARS Currency = "ARS"
	COP Currency = "COP"
	CLP Currency = "CLP"
)

// ErrInvalidCurrency is returned for codes that are not three upper-case letters.
var ErrInvalidCurrency = errors.New("money: invalid currency code")

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

var zeroDecimal = map[Currency]bool{
	JPY:   true,
	CLP:   true,
	"KRW": true,
}

// ParseCurrency normalises and validates an ISO-4217 code.
func ParseCurrency(raw string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !currencyPattern.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	return Currency(code), nil
}

// Valid reports whether c is syntactically a currency code. Case matters.
func (c Currency) Valid() bool {
	return currencyPattern.MatchString(string(c))
}

// String implements fmt.Stringer.
func (c Currency) String() string { return string(c) }

// Exponent returns the number of minor-unit digits.
func (c Currency) Exponent() int32 {
	if zeroDecimal[c] {
		return 0
	}
	return 2
}

// Round rounds half away from zero to the currency exponent.
func Round(amount Amount, c Currency) Amount {
	return amount.Round(c.Exponent())
}

// ToMinor converts a decimal amount into integer minor units after rounding.
func ToMinor(amount Amount, c Currency) int64 {
	return Round(amount, c).Shift(c.Exponent()).IntPart()
}

// FromMinor converts integer minor units back into a decimal amount.
func FromMinor(minor int64, c Currency) Amount {
	return decimal.New(minor, -c.Exponent())
}

// MustParse parses a decimal literal and panics on error. Intended for
// constants and tests.
func MustParse(s string) Amount {
	return decimal.RequireFromString(s)
}

// Zero is the zero amount.
var Zero = decimal.Zero
