package matching

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	nearZero = decimal.RequireFromString("0.01")
	hundred  = decimal.NewFromInt(100)
)

// AmountDiff returns |a - b| and that difference as a percentage of the
// larger magnitude. The percentage is 0 when both amounts are zero.
func AmountDiff(a, b decimal.Decimal) (decimal.Decimal, float64) {
	diff := a.Sub(b).Abs()
	denom := decimal.Max(a.Abs(), b.Abs())
	if denom.IsZero() {
		return diff, 0
	}
	return diff, diff.Div(denom).Mul(hundred).InexactFloat64()
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
