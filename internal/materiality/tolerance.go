package materiality

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

// Tolerance is the resolved amount tolerance for a match.
type Tolerance struct {
	Absolute  decimal.Decimal `json:"absolute"`
	Percent   float64         `json:"percent"`
	RiskClass model.RiskClass `json:"risk_class"`
}

type baseTolerance struct {
	absolute decimal.Decimal
	percent  float64
}

var baseTolerances = map[model.RiskClass]baseTolerance{
	model.RiskCritical: {decimal.RequireFromString("0.01"), 0.01},
	model.RiskHigh:     {decimal.RequireFromString("1.00"), 0.1},
	model.RiskMedium:   {decimal.RequireFromString("10.00"), 1.0},
	model.RiskLow:      {decimal.RequireFromString("100.00"), 5.0},
}

var toleranceFactors = map[model.ToleranceType]float64{
	model.ToleranceStrict:   0.5,
	model.ToleranceStandard: 1.0,
	model.ToleranceLoose:    2.0,
}

const (
	exactFactor = 0.5
	fuzzyFactor = 1.5
)

// DynamicTolerance computes the tolerance for a match on accountCode:
// the risk-class base, scaled by the tolerance type, replaced by explicit
// config overrides, then tightened for exact matches (absolute x0.5) and
// loosened for fuzzy matches (both x1.5).
func (r *Resolver) DynamicTolerance(accountCode string, matchType model.MatchType, statement model.DocumentType) Tolerance {
	th := r.Threshold(statement, accountCode)
	rc := r.ResolveRiskClass(statement, accountCode)

	base, ok := baseTolerances[rc]
	if !ok {
		base = baseTolerances[DefaultRiskClass]
	}
	factor, ok := toleranceFactors[th.ToleranceType]
	if !ok {
		factor = 1.0
	}

	abs := base.absolute.Mul(decimal.NewFromFloat(factor))
	pct := base.percent * factor

	if th.ToleranceAbsolute != nil {
		abs = *th.ToleranceAbsolute
	}
	if th.TolerancePercent != nil {
		pct = *th.TolerancePercent
	}

	switch matchType {
	case model.MatchExact:
		abs = abs.Mul(decimal.NewFromFloat(exactFactor))
	case model.MatchFuzzy:
		abs = abs.Mul(decimal.NewFromFloat(fuzzyFactor))
		pct *= fuzzyFactor
	}

	return Tolerance{Absolute: abs, Percent: pct, RiskClass: rc}
}
