package materiality

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

// Test names reported in Details.
const (
	TestAbsolute = "absolute"
	TestRelative = "relative"
	TestNone     = "none"
)

// Details is the audit trail of a materiality decision.
type Details struct {
	Amount            decimal.Decimal        `json:"amount"`
	AbsoluteThreshold decimal.Decimal        `json:"absolute_threshold"`
	RelativePct       float64                `json:"relative_pct"`
	BaseTotal         *decimal.Decimal       `json:"base_total,omitempty"`
	RelativeThreshold *decimal.Decimal       `json:"relative_threshold,omitempty"`
	ExceedsAbsolute   bool                   `json:"exceeds_absolute"`
	ExceedsRelative   bool                   `json:"exceeds_relative"`
	Test              string                 `json:"test"`
	RiskClass         model.RiskClass        `json:"risk_class"`
	Scope             model.MaterialityScope `json:"scope"`
}

// IsMaterial reports whether |amount| exceeds the absolute threshold or the
// relative threshold applied to the statement's base total. When no base
// total is known for statement only the absolute test applies.
func (r *Resolver) IsMaterial(amount decimal.Decimal, accountCode string, statement model.DocumentType) (bool, Details) {
	th := r.Threshold(statement, accountCode)
	abs := amount.Abs()

	d := Details{
		Amount:            abs,
		AbsoluteThreshold: th.Absolute,
		RelativePct:       th.RelativePct,
		RiskClass:         r.ResolveRiskClass(statement, accountCode),
		Scope:             th.Scope,
		Test:              TestNone,
	}

	d.ExceedsAbsolute = abs.GreaterThan(th.Absolute)

	if base, ok := r.baseTotals[statement]; ok && !base.IsZero() {
		b := base
		rel := base.Abs().Mul(decimal.NewFromFloat(th.RelativePct)).Div(decimal.NewFromInt(100))
		d.BaseTotal = &b
		d.RelativeThreshold = &rel
		d.ExceedsRelative = abs.GreaterThan(rel)
	}

	switch {
	case d.ExceedsAbsolute:
		d.Test = TestAbsolute
	case d.ExceedsRelative:
		d.Test = TestRelative
	}
	return d.ExceedsAbsolute || d.ExceedsRelative, d
}

// BaseTotals derives the statement base totals used by the relative test:
// the sum of revenue lines for the income statement and of asset lines for
// the balance sheet. Statements with no qualifying lines are omitted.
func BaseTotals(records []model.Record) map[model.DocumentType]decimal.Decimal {
	totals := make(map[model.DocumentType]decimal.Decimal)
	for _, rec := range records {
		switch {
		case rec.DocType == model.DocIncomeStatement && rec.Category == model.CategoryRevenue,
			rec.DocType == model.DocBalanceSheet && rec.Category == model.CategoryAsset:
			totals[rec.DocType] = totals[rec.DocType].Add(rec.Amount)
		}
	}
	return totals
}
