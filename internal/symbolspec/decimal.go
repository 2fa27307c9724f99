package symbolspec

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsePositive parses a positive decimal string.
// Example: "12.340" => 12.34.
func ParsePositive(value string) (decimal.Decimal, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format: %w", err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("value must be positive")
	}
	return d, nil
}

// ParseOptional parses a decimal string, treating empty as zero
func ParseOptional(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	return ParsePositive(value)
}

// FloorToStep rounds v down to a multiple of step. A non-positive step returns v unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundToTick rounds v to the nearest multiple of tick.
func RoundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}

// FormatPlain formats without exponent and without trailing zeros.
func FormatPlain(v decimal.Decimal) string {
	return v.String()
}
