// Package money provides integer minor-unit monetary values.
//
// All amounts are held in the smallest unit of their currency (cents,
// pence, paise). Arithmetic is integer-only; mixing currencies is an
// error, never a silent coercion.
package money

import (
	"errors"
	"fmt"
	"strings"
)

var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is an amount in minor units of a single currency.
// A negative amount represents a refund or credit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"` // ISO 4217 lowercase: "usd", "inr", "ngn"
}

// New creates a Money value, normalizing the currency code to lowercase.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// USD creates a Money value in US cents.
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: 0, Currency: strings.ToLower(currency)}
}

// Add returns m + other. Fails if the currencies differ.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// Sub returns m - other. Fails if the currencies differ.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

// Neg returns the negated amount.
func (m Money) Neg() Money { return Money{Amount: -m.Amount, Currency: m.Currency} }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative reports whether the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal reports whether amount and currency both match.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// SameCurrency reports whether other is denominated in the same currency.
func (m Money) SameCurrency(other Money) bool { return m.Currency == other.Currency }

// String formats as "<amount> <currency>", e.g. "1000 usd".
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// CeilDiv divides n by d rounding toward positive infinity.
// Fee schedules express percentage fees as numerator/denominator pairs and
// processors round fees up, so this is the one rounding primitive the
// distribution arithmetic is allowed to use.
func CeilDiv(n, d int64) int64 {
	if d == 0 {
		panic("money: ceil division by zero")
	}
	if d < 0 {
		n, d = -n, -d
	}
	q := n / d
	if n%d > 0 {
		q++
	}
	return q
}
