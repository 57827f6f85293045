// Package money converts decimal amounts to and from integer minor
// units (cents). Every monetary comparison downstream runs on these
// integers; floats never enter storage, transport, or arithmetic.
package money

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/sakashimaa/shop-payments/internal/apperr"
	"github.com/shopspring/decimal"
)

// Decimal exponent per supported currency. Anything else is rejected.
var exponents = map[string]int32{
	"EUR": 2,
	"USD": 2,
	"GBP": 2,
	"JPY": 0,
}

// Plain non-negative decimals only. No sign, no exponent notation.
var amountPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

func exponent(currency string) (int32, error) {
	exp, ok := exponents[strings.ToUpper(currency)]
	if !ok {
		return 0, apperr.Validation(fmt.Sprintf("unsupported currency: %s", currency))
	}
	return exp, nil
}

// ToMinorUnits parses a non-negative decimal string and returns the
// exact minor-unit count, rounding half-up at the currency exponent.
func ToMinorUnits(amount, currency string) (int64, error) {
	exp, err := exponent(currency)
	if err != nil {
		return 0, err
	}

	s := strings.TrimSpace(amount)
	if !amountPattern.MatchString(s) {
		return 0, apperr.Validation(fmt.Sprintf("invalid monetary amount: %q", amount))
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperr.Validation(fmt.Sprintf("invalid monetary amount: %q", amount))
	}

	// Shift into minor units, then round half-up at the unit boundary.
	// Round on a non-negative decimal is half away from zero, which is
	// half-up here because the pattern forbids negatives.
	scaled := d.Shift(exp).Round(0)

	if !scaled.BigInt().IsInt64() {
		return 0, apperr.Validation(fmt.Sprintf("monetary amount out of range: %q", amount))
	}

	return scaled.BigInt().Int64(), nil
}

// FromMinorUnits renders minor units as the canonical decimal string,
// zero-padded to the currency exponent and sign-preserving.
func FromMinorUnits(minor int64, currency string) (string, error) {
	exp, err := exponent(currency)
	if err != nil {
		return "", err
	}

	return decimal.New(minor, -exp).StringFixed(exp), nil
}

// MultiplyMinorUnits multiplies a minor-unit amount by an integer
// quantity with overflow checking. Negative quantities are rejected.
func MultiplyMinorUnits(minor, quantity int64) (int64, error) {
	if quantity < 0 {
		return 0, apperr.Validation(fmt.Sprintf("invalid quantity: %d", quantity))
	}
	if minor == 0 || quantity == 0 {
		return 0, nil
	}

	result := minor * quantity
	if result/quantity != minor {
		return 0, apperr.Validation("minor unit multiplication out of range")
	}

	return result, nil
}

// SumMinorUnits adds minor-unit amounts with overflow checking.
func SumMinorUnits(amounts []int64) (int64, error) {
	var total int64
	for _, a := range amounts {
		if a > 0 && total > math.MaxInt64-a {
			return 0, apperr.Validation("minor unit sum out of range")
		}
		if a < 0 && total < math.MinInt64-a {
			return 0, apperr.Validation("minor unit sum out of range")
		}
		total += a
	}

	return total, nil
}
