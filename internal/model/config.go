package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Window is an effective/expiry date range. A row is active at t when
// EffectiveDate <= t and (ExpiryDate is nil or t < ExpiryDate).
type Window struct {
	EffectiveDate time.Time  `json:"effective_date" yaml:"effective_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty" yaml:"expiry_date,omitempty"`
}

// ActiveAt reports whether the window contains t.
func (w Window) ActiveAt(t time.Time) bool {
	if !w.EffectiveDate.IsZero() && t.Before(w.EffectiveDate) {
		return false
	}
	if w.ExpiryDate != nil && !t.Before(*w.ExpiryDate) {
		return false
	}
	return true
}

// MaterialityScope is the specificity level of a MaterialityConfig.
type MaterialityScope string

const (
	ScopeGlobal    MaterialityScope = "global"
	ScopeProperty  MaterialityScope = "property"
	ScopeStatement MaterialityScope = "statement"
	ScopeAccount   MaterialityScope = "account"
	ScopeDefault   MaterialityScope = "system_default"
)

// ThresholdOverride replaces the thresholds of a MaterialityConfig for one
// property type.
type ThresholdOverride struct {
	Absolute    *decimal.Decimal `json:"absolute,omitempty" yaml:"absolute,omitempty"`
	RelativePct *float64         `json:"relative_pct,omitempty" yaml:"relative_pct,omitempty"`
}

// MaterialityConfig is one hierarchical materiality threshold row.
type MaterialityConfig struct {
	ID                    int64                        `json:"id"`
	PropertyID            *int64                       `json:"property_id,omitempty"`
	StatementType         *DocumentType                `json:"statement_type,omitempty"`
	AccountCode           *string                      `json:"account_code,omitempty"`
	AbsoluteThreshold     decimal.Decimal              `json:"absolute_threshold"`
	RelativeThresholdPct  float64                      `json:"relative_threshold_pct"`
	RiskClass             RiskClass                    `json:"risk_class"`
	ToleranceType         ToleranceType                `json:"tolerance_type"`
	ToleranceAbsolute     *decimal.Decimal             `json:"tolerance_absolute,omitempty"`
	TolerancePercent      *float64                     `json:"tolerance_percent,omitempty"`
	PropertyTypeOverrides map[string]ThresholdOverride `json:"property_type_overrides,omitempty"`
	Window
}

// Scope derives the specificity level from which keys are set.
func (c MaterialityConfig) Scope() MaterialityScope {
	switch {
	case c.PropertyID == nil:
		return ScopeGlobal
	case c.StatementType == nil:
		return ScopeProperty
	case c.AccountCode == nil:
		return ScopeStatement
	default:
		return ScopeAccount
	}
}

// AccountRiskClass maps an account-code wildcard pattern to a risk class.
type AccountRiskClass struct {
	ID                    int64                `json:"id"`
	Pattern               string               `json:"pattern"`
	RiskClass             RiskClass            `json:"risk_class"`
	PropertyTypeOverrides map[string]RiskClass `json:"property_type_overrides,omitempty"`
	SortOrder             int                  `json:"sort_order"`
}

// CalculatedRule is a versioned two-operand cross-statement equality.
type CalculatedRule struct {
	RuleID            string           `json:"rule_id"`
	Name              string           `json:"name"`
	Version           int              `json:"version"`
	Formula           string           `json:"formula"`
	ToleranceAbsolute *decimal.Decimal `json:"tolerance_absolute,omitempty"`
	TolerancePercent  *float64         `json:"tolerance_percent,omitempty"`
	FailureTemplate   string           `json:"failure_template,omitempty"`
	Window
}

// PatternType selects the heuristic of an AutoResolutionRule.
type PatternType string

const (
	PatternRounding PatternType = "rounding"
	PatternTiming   PatternType = "timing"
	PatternSynonym  PatternType = "synonym"
	PatternMapping  PatternType = "mapping"
)

// AutoResolutionRule drives tier-1 fix suggestions.
type AutoResolutionRule struct {
	ID                  int64          `json:"id"`
	Name                string         `json:"name"`
	PatternType         PatternType    `json:"pattern_type"`
	PropertyID          *int64         `json:"property_id,omitempty"`
	StatementType       *DocumentType  `json:"statement_type,omitempty"`
	ConfidenceThreshold float64        `json:"confidence_threshold"`
	Priority            int            `json:"priority"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	Active              bool           `json:"active"`
}

// RuleConfig is the raw configuration loaded for one property before it is
// filtered into an immutable snapshot.
type RuleConfig struct {
	Property        Property             `json:"property"`
	Materiality     []MaterialityConfig  `json:"materiality"`
	RiskClasses     []AccountRiskClass   `json:"risk_classes"`
	CalculatedRules []CalculatedRule     `json:"calculated_rules"`
	AutoRules       []AutoResolutionRule `json:"auto_rules"`
}
