package normalize

import "math"

// Cents converts a decimal amount to minor units, rounding half to even so
// repeated normalization of the same input is byte-identical and unbiased.
func Cents(amount float64) int64 {
	return int64(math.RoundToEven(amount * 100))
}

// ConvertCents converts minor units at the given rate into base-currency
// minor units.
func ConvertCents(cents int64, rate float64) int64 {
	return int64(math.RoundToEven(float64(cents) * rate))
}
