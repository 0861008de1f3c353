package materiality

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/ruleset"
)

var asOf = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func ptr[T any](v T) *T { return &v }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func office() model.Property {
	return model.Property{ID: 1, Name: "Harbor Point", PropertyType: "office"}
}

func newResolver(cfg model.RuleConfig) *Resolver {
	return NewResolver(ruleset.Build(cfg, asOf), nil)
}

func hierarchy() []model.MaterialityConfig {
	is := model.DocIncomeStatement
	return []model.MaterialityConfig{
		{ID: 1, AbsoluteThreshold: dec("5000"), RelativeThresholdPct: 2, RiskClass: model.RiskLow},
		{ID: 2, PropertyID: ptr(int64(1)), AbsoluteThreshold: dec("2500"), RelativeThresholdPct: 1.5, RiskClass: model.RiskMedium},
		{ID: 3, PropertyID: ptr(int64(1)), StatementType: &is, AbsoluteThreshold: dec("1500"), RelativeThresholdPct: 1, RiskClass: model.RiskMedium},
		{ID: 4, PropertyID: ptr(int64(1)), StatementType: &is, AccountCode: ptr("4*"), AbsoluteThreshold: dec("500"), RelativeThresholdPct: 0.5, RiskClass: model.RiskHigh},
		{ID: 5, PropertyID: ptr(int64(2)), AbsoluteThreshold: dec("1"), RiskClass: model.RiskCritical},
	}
}

func TestThreshold_MostSpecificWins(t *testing.T) {
	r := newResolver(model.RuleConfig{Property: office(), Materiality: hierarchy()})

	tests := []struct {
		name      string
		statement model.DocumentType
		code      string
		wantID    int64
		wantScope model.MaterialityScope
		wantAbs   string
	}{
		{"account pattern", model.DocIncomeStatement, "4010", 4, model.ScopeAccount, "500"},
		{"statement", model.DocIncomeStatement, "5010", 3, model.ScopeStatement, "1500"},
		{"property", model.DocBalanceSheet, "1000", 2, model.ScopeProperty, "2500"},
		{"no account code skips account level", model.DocIncomeStatement, "", 3, model.ScopeStatement, "1500"},
		{"no statement skips statement level", "", "4010", 2, model.ScopeProperty, "2500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := r.Threshold(tt.statement, tt.code)
			assert.Equal(t, tt.wantID, th.ConfigID)
			assert.Equal(t, tt.wantScope, th.Scope)
			assertDec(t, tt.wantAbs, th.Absolute)
		})
	}
}

func TestThreshold_GlobalForOtherProperty(t *testing.T) {
	r := newResolver(model.RuleConfig{
		Property:    model.Property{ID: 3},
		Materiality: hierarchy(),
	})

	th := r.Threshold(model.DocIncomeStatement, "4010")
	assert.Equal(t, model.ScopeGlobal, th.Scope)
	assert.Equal(t, int64(1), th.ConfigID)
	assert.Equal(t, model.RiskLow, th.RiskClass)
}

func TestThreshold_SystemDefaults(t *testing.T) {
	r := NewResolver(ruleset.Empty(office(), asOf), nil)

	th := r.Threshold(model.DocBalanceSheet, "1000")
	assert.Equal(t, model.ScopeDefault, th.Scope)
	assertDec(t, "1000", th.Absolute)
	assert.Equal(t, 1.0, th.RelativePct)
	assert.Equal(t, model.RiskMedium, th.RiskClass)
	assert.Equal(t, model.ToleranceStandard, th.ToleranceType)
	assert.Zero(t, th.ConfigID)
}

func TestThreshold_ExpiredRowsIgnored(t *testing.T) {
	expired := asOf.AddDate(0, -1, 0)
	rows := []model.MaterialityConfig{{
		ID:                2,
		PropertyID:        ptr(int64(1)),
		AbsoluteThreshold: dec("10"),
		Window:            model.Window{ExpiryDate: &expired},
	}}

	th := newResolver(model.RuleConfig{Property: office(), Materiality: rows}).Threshold(model.DocBalanceSheet, "1000")
	assert.Equal(t, model.ScopeDefault, th.Scope)
}

func TestThreshold_PropertyTypeOverride(t *testing.T) {
	rows := []model.MaterialityConfig{{
		ID:                   1,
		AbsoluteThreshold:    dec("5000"),
		RelativeThresholdPct: 2,
		RiskClass:            model.RiskMedium,
		PropertyTypeOverrides: map[string]model.ThresholdOverride{
			"office":      {Absolute: decPtr("750")},
			"multifamily": {Absolute: decPtr("300"), RelativePct: ptr(0.25)},
		},
	}}

	th := newResolver(model.RuleConfig{Property: office(), Materiality: rows}).Threshold(model.DocBalanceSheet, "1000")
	assertDec(t, "750", th.Absolute)
	assert.Equal(t, 2.0, th.RelativePct, "unset override fields keep the row value")

	mf := model.Property{ID: 1, PropertyType: "multifamily"}
	th = newResolver(model.RuleConfig{Property: mf, Materiality: rows}).Threshold(model.DocBalanceSheet, "1000")
	assertDec(t, "300", th.Absolute)
	assert.Equal(t, 0.25, th.RelativePct)
}

func TestThreshold_InvalidRiskClassFallsBack(t *testing.T) {
	rows := []model.MaterialityConfig{{ID: 1, AbsoluteThreshold: dec("10"), RiskClass: "severe"}}

	th := newResolver(model.RuleConfig{Property: office(), Materiality: rows}).Threshold(model.DocBalanceSheet, "1000")
	assert.Equal(t, model.RiskMedium, th.RiskClass)
	assert.Equal(t, model.ToleranceStandard, th.ToleranceType)
}

func riskPatterns() []model.AccountRiskClass {
	return []model.AccountRiskClass{
		{ID: 1, Pattern: "1000", RiskClass: model.RiskCritical, SortOrder: 1},
		{ID: 2, Pattern: "1*", RiskClass: model.RiskHigh, SortOrder: 2},
		{ID: 3, Pattern: "6*", RiskClass: model.RiskLow, SortOrder: 3,
			PropertyTypeOverrides: map[string]model.RiskClass{"office": model.RiskMedium, "retail": "bogus"}},
	}
}

func TestRiskClass(t *testing.T) {
	r := newResolver(model.RuleConfig{Property: office(), RiskClasses: riskPatterns()})

	assert.Equal(t, model.RiskCritical, r.RiskClass("1000"), "first pattern wins")
	assert.Equal(t, model.RiskHigh, r.RiskClass("1100"))
	assert.Equal(t, model.RiskMedium, r.RiskClass("6100"), "property type override")
	assert.Equal(t, model.RiskMedium, r.RiskClass("9999"), "unmatched default")
	assert.Equal(t, model.RiskMedium, r.RiskClass("  "))

	retail := newResolver(model.RuleConfig{Property: model.Property{ID: 1, PropertyType: "retail"}, RiskClasses: riskPatterns()})
	assert.Equal(t, model.RiskLow, retail.RiskClass("6100"), "invalid override ignored")
}

func TestResolveRiskClass_PatternBeatsThreshold(t *testing.T) {
	r := newResolver(model.RuleConfig{
		Property:    office(),
		Materiality: hierarchy(),
		RiskClasses: riskPatterns(),
	})

	assert.Equal(t, model.RiskCritical, r.ResolveRiskClass(model.DocBalanceSheet, "1000"))
	assert.Equal(t, model.RiskHigh, r.ResolveRiskClass(model.DocIncomeStatement, "4010"), "account threshold risk")
	assert.Equal(t, model.RiskMedium, r.ResolveRiskClass(model.DocIncomeStatement, "5010"), "statement threshold risk")
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("1*", "1000"))
	assert.True(t, matchPattern("40?0", "4010"))
	assert.True(t, matchPattern(" 4010 ", "4010"))
	assert.False(t, matchPattern("1*", "2000"))
	assert.False(t, matchPattern("", "1000"))
	assert.False(t, matchPattern("[", "1000"), "malformed pattern never matches")
}

func TestNewResolver_CopiesBaseTotals(t *testing.T) {
	totals := map[model.DocumentType]decimal.Decimal{model.DocIncomeStatement: dec("100000")}
	r := NewResolver(ruleset.Empty(office(), asOf), totals)
	totals[model.DocIncomeStatement] = dec("1")

	_, d := r.IsMaterial(dec("600"), "4010", model.DocIncomeStatement)
	assert.NotNil(t, d.BaseTotal)
	assertDec(t, "100000", *d.BaseTotal)
	assert.Equal(t, office(), r.Snapshot().Property())
}
