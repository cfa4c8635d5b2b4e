package payments

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/mobishop/api/internal/domain"
)

// Scale returns the number of minor-unit digits for an ISO 4217 code. Unknown codes use 2.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// ToDecimal converts minor units to a major-unit decimal (12990 ARS -> 129.90).
func ToDecimal(amount domain.Money, code string) decimal.Decimal {
	return decimal.New(int64(amount), -Scale(code))
}

// FromDecimal converts a major-unit decimal to minor units, rounding half away from zero.
func FromDecimal(d decimal.Decimal, code string) domain.Money {
	return domain.Money(d.Shift(Scale(code)).Round(0).IntPart())
}

// ToFloat is ToDecimal for gateways whose SDK takes float64 amounts.
func ToFloat(amount domain.Money, code string) float64 {
	f, _ := ToDecimal(amount, code).Float64()
	return f
}

// FromFloat parses a gateway float amount without binary rounding drift.
func FromFloat(f float64, code string) domain.Money {
	return FromDecimal(decimal.NewFromFloat(f), code)
}
