package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

// Both dialects select dates and JSON columns as text and convert them
// here, so the row types below are dialect-neutral.

const dateLayout = "2006-01-02"

type scannable interface {
	Scan(dest ...any) error
}

// recordColumns returns the select list projecting one record table onto
// the common record shape. nullText and nullNum are the dialect's typed
// NULL literals.
func recordColumns(doc model.DocumentType, nullText, nullNum string) string {
	var cols []string
	switch doc {
	case model.DocRentRoll:
		cols = []string{
			"id", "property_id", "period_id",
			nullText, nullText, nullText, nullNum, "confidence",
			"unit_number", "tenant_name", "monthly_rent", "annual_rent",
			nullText, nullText, nullNum,
		}
	case model.DocMortgageStatement:
		cols = []string{
			"id", "property_id", "period_id",
			nullText, nullText, nullText, nullNum, "confidence",
			nullText, nullText, nullNum, nullNum,
			"loan_number", "lender_name", "principal_balance",
		}
	default:
		cols = []string{
			"id", "property_id", "period_id",
			"account_code", "account_name", "category", "amount", "confidence",
			nullText, nullText, nullNum, nullNum,
			nullText, nullText, nullNum,
		}
	}
	return strings.Join(cols, ", ")
}

// recordInsert returns the insert columns and values for r in its own table.
func recordInsert(r model.Record, num func(decimal.Decimal) any, nullNum func(*decimal.Decimal) any) ([]string, []any) {
	switch r.DocType {
	case model.DocRentRoll:
		return []string{"property_id", "period_id", "unit_number", "tenant_name", "monthly_rent", "annual_rent", "confidence"},
			[]any{r.PropertyID, r.PeriodID, r.UnitNumber, r.TenantName, num(r.MonthlyRent), nullNum(r.AnnualRent), r.Confidence}
	case model.DocMortgageStatement:
		return []string{"property_id", "period_id", "loan_number", "lender_name", "principal_balance", "confidence"},
			[]any{r.PropertyID, r.PeriodID, r.LoanNumber, r.LenderName, num(r.PrincipalBalance), r.Confidence}
	default:
		return []string{"property_id", "period_id", "account_code", "account_name", "category", "amount", "confidence"},
			[]any{r.PropertyID, r.PeriodID, r.AccountCode, r.AccountName, string(r.Category), num(r.Amount), r.Confidence}
	}
}

// materialityRow is a materiality_config row before conversion.
type materialityRow struct {
	ID            int64
	PropertyID    *int64
	StatementType *string
	AccountCode   *string
	Absolute      decimal.Decimal
	RelativePct   float64
	RiskClass     string
	ToleranceType *string
	TolAbsolute   *decimal.Decimal
	TolPercent    *float64
	Overrides     *string
	Effective     *string
	Expiry        *string
}

func (r materialityRow) toModel() (model.MaterialityConfig, error) {
	c := model.MaterialityConfig{
		ID:                   r.ID,
		PropertyID:           r.PropertyID,
		AccountCode:          r.AccountCode,
		AbsoluteThreshold:    r.Absolute,
		RelativeThresholdPct: r.RelativePct,
		RiskClass:            model.RiskClass(r.RiskClass),
		ToleranceAbsolute:    r.TolAbsolute,
		TolerancePercent:     r.TolPercent,
	}
	if r.ToleranceType != nil {
		c.ToleranceType = model.ToleranceType(*r.ToleranceType)
	}
	if r.StatementType != nil {
		dt, err := model.ParseDocumentType(*r.StatementType)
		if err != nil {
			return c, eris.Wrapf(err, "materiality config %d", r.ID)
		}
		c.StatementType = &dt
	}
	if err := decodeJSON(r.Overrides, &c.PropertyTypeOverrides); err != nil {
		return c, eris.Wrapf(err, "materiality config %d: property type overrides", r.ID)
	}
	w, err := parseWindow(r.Effective, r.Expiry)
	if err != nil {
		return c, eris.Wrapf(err, "materiality config %d", r.ID)
	}
	c.Window = w
	return c, nil
}

type riskClassRow struct {
	ID        int64
	Pattern   string
	RiskClass string
	Overrides *string
	SortOrder int
}

func (r riskClassRow) toModel() (model.AccountRiskClass, error) {
	c := model.AccountRiskClass{
		ID:        r.ID,
		Pattern:   r.Pattern,
		RiskClass: model.RiskClass(r.RiskClass),
		SortOrder: r.SortOrder,
	}
	if err := decodeJSON(r.Overrides, &c.PropertyTypeOverrides); err != nil {
		return c, eris.Wrapf(err, "risk class %d: property type overrides", r.ID)
	}
	return c, nil
}

type ruleRow struct {
	RuleID      string
	Version     int
	Name        string
	Formula     string
	TolAbsolute *decimal.Decimal
	TolPercent  *float64
	Template    *string
	Effective   *string
	Expiry      *string
}

func (r ruleRow) toModel() (model.CalculatedRule, error) {
	c := model.CalculatedRule{
		RuleID:            r.RuleID,
		Name:              r.Name,
		Version:           r.Version,
		Formula:           r.Formula,
		ToleranceAbsolute: r.TolAbsolute,
		TolerancePercent:  r.TolPercent,
	}
	if r.Template != nil {
		c.FailureTemplate = *r.Template
	}
	w, err := parseWindow(r.Effective, r.Expiry)
	if err != nil {
		return c, eris.Wrapf(err, "calculated rule %s v%d", r.RuleID, r.Version)
	}
	c.Window = w
	return c, nil
}

type autoRuleRow struct {
	ID            int64
	Name          string
	PatternType   string
	PropertyID    *int64
	StatementType *string
	Threshold     float64
	Priority      int
	Parameters    *string
	Active        bool
}

func (r autoRuleRow) toModel() (model.AutoResolutionRule, error) {
	c := model.AutoResolutionRule{
		ID:                  r.ID,
		Name:                r.Name,
		PatternType:         model.PatternType(r.PatternType),
		PropertyID:          r.PropertyID,
		ConfidenceThreshold: r.Threshold,
		Priority:            r.Priority,
		Active:              r.Active,
	}
	if r.StatementType != nil {
		dt, err := model.ParseDocumentType(*r.StatementType)
		if err != nil {
			return c, eris.Wrapf(err, "auto rule %d", r.ID)
		}
		c.StatementType = &dt
	}
	if err := decodeJSON(r.Parameters, &c.Parameters); err != nil {
		return c, eris.Wrapf(err, "auto rule %d: parameters", r.ID)
	}
	return c, nil
}

// matchRow holds the scalar columns of a reconciliation_matches row.
type matchRow struct {
	m            model.PersistedMatch
	sourceDoc    string
	targetDoc    string
	matchType    string
	status       string
	tier         *int64
	formula      *string
	relationship *string
	notes        *string
}

func (r matchRow) toModel() model.PersistedMatch {
	m := r.m
	m.Source.DocType = model.DocumentType(r.sourceDoc)
	m.Target.DocType = model.DocumentType(r.targetDoc)
	m.MatchType = model.MatchType(r.matchType)
	m.Status = model.MatchStatus(r.status)
	if r.tier != nil {
		m.Tier = model.Tier(*r.tier).Ptr()
	}
	m.Formula = deref(r.formula)
	m.RelationshipType = deref(r.relationship)
	m.ReviewNotes = deref(r.notes)
	return m
}

func tierArg(t *model.Tier) any {
	if t == nil {
		return nil
	}
	return int64(*t)
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func decodeJSON(raw *string, v any) error {
	if raw == nil || strings.TrimSpace(*raw) == "" || *raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(*raw), v)
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func parseWindow(effective, expiry *string) (model.Window, error) {
	var w model.Window
	if effective != nil && *effective != "" {
		t, err := parseDate(*effective)
		if err != nil {
			return w, eris.Wrapf(err, "effective date %q", *effective)
		}
		w.EffectiveDate = t
	}
	if expiry != nil && *expiry != "" {
		t, err := parseDate(*expiry)
		if err != nil {
			return w, eris.Wrapf(err, "expiry date %q", *expiry)
		}
		w.ExpiryDate = &t
	}
	return w, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	return time.Parse(dateLayout, s)
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func docArg(d *model.DocumentType) any {
	if d == nil {
		return nil
	}
	return string(*d)
}

func toleranceArg(t model.ToleranceType) string {
	if t == "" {
		return string(model.ToleranceStandard)
	}
	return string(t)
}

// windowStart returns the effective date as text. An unset date means
// active since the beginning of time.
func windowStart(w model.Window) string {
	if w.EffectiveDate.IsZero() {
		return "1970-01-01"
	}
	return formatDate(w.EffectiveDate)
}

func windowEnd(w model.Window) any {
	if w.ExpiryDate == nil {
		return nil
	}
	return formatDate(*w.ExpiryDate)
}
