// Package money holds the single rounding policy used for every yen amount
// the service computes, plus display formatting.
package money

import (
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	half    = decimal.NewFromFloat(0.5)
	hundred = decimal.NewFromInt(100)
	maxYen  = decimal.NewFromInt(math.MaxInt64)
	minYen  = decimal.NewFromInt(math.MinInt64)
	printer = message.NewPrinter(language.Japanese)
)

// Round rounds half up to a whole yen, i.e. floor(x + 0.5). The result is
// undefined when it does not fit in an int64; use RoundChecked for amounts
// derived from caller input.
func Round(d decimal.Decimal) int64 {
	return d.Add(half).Floor().IntPart()
}

// RoundChecked rounds like Round and reports false when the rounded amount
// does not fit in an int64.
func RoundChecked(d decimal.Decimal) (int64, bool) {
	rounded := d.Add(half).Floor()
	if rounded.GreaterThan(maxYen) || rounded.LessThan(minYen) {
		return 0, false
	}
	return rounded.IntPart(), true
}

// PercentOf returns amount * rate / 100 without rounding.
func PercentOf(amount decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred)
}

// Yen converts a whole-yen amount into a decimal.
func Yen(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount)
}

// Rate converts a percentage or ratio supplied as float64 into a decimal
// using its shortest decimal representation.
func Rate(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// FormatYen renders an amount as "¥1,234,567".
func FormatYen(amount int64) string {
	if amount < 0 {
		return printer.Sprintf("-¥%d", -amount)
	}
	return printer.Sprintf("¥%d", amount)
}

// FormatPercent renders a rate without trailing zeros, e.g. "12.5%".
func FormatPercent(rate decimal.Decimal) string {
	return rate.String() + "%"
}
