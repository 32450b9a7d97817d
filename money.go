package imagegate

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of fractional digits kept for currency amounts.
const MoneyPlaces = 4

// ParseMoney parses a decimal currency amount such as "0.08".
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("imagegate: parse money %q: %w", s, err)
	}
	return RoundMoney(d), nil
}

// MustMoney is like ParseMoney but panics on malformed input.
// Intended for package-level price constants.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// RoundMoney rounds an amount to MoneyPlaces fractional digits.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// MoneyPtr returns a pointer to d, for optional cost ceilings.
func MoneyPtr(d decimal.Decimal) *decimal.Decimal { return &d }
