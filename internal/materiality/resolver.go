// Package materiality resolves materiality thresholds, account risk classes
// and dynamic match tolerances from a configuration snapshot.
package materiality

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/ruleset"
)

// System defaults used when no configuration row matches.
var (
	DefaultAbsolute    = decimal.NewFromInt(1000)
	DefaultRelativePct = 1.0
	DefaultRiskClass   = model.RiskMedium
)

// Threshold is a resolved materiality threshold.
type Threshold struct {
	Absolute          decimal.Decimal        `json:"absolute"`
	RelativePct       float64                `json:"relative_pct"`
	RiskClass         model.RiskClass        `json:"risk_class"`
	ToleranceType     model.ToleranceType    `json:"tolerance_type"`
	ToleranceAbsolute *decimal.Decimal       `json:"tolerance_absolute,omitempty"`
	TolerancePercent  *float64               `json:"tolerance_percent,omitempty"`
	Scope             model.MaterialityScope `json:"scope"`
	ConfigID          int64                  `json:"config_id,omitempty"`
}

// Resolver answers materiality and tolerance questions for one property.
// It holds only immutable inputs and performs no I/O.
type Resolver struct {
	snap       *ruleset.Snapshot
	property   model.Property
	baseTotals map[model.DocumentType]decimal.Decimal
}

// NewResolver creates a Resolver over snap. baseTotals carries the
// statement-level totals used by the relative materiality test; statements
// without a total fall back to the absolute test only.
func NewResolver(snap *ruleset.Snapshot, baseTotals map[model.DocumentType]decimal.Decimal) *Resolver {
	totals := make(map[model.DocumentType]decimal.Decimal, len(baseTotals))
	for k, v := range baseTotals {
		totals[k] = v
	}
	return &Resolver{snap: snap, property: snap.Property(), baseTotals: totals}
}

// Snapshot returns the configuration snapshot the resolver reads from.
func (r *Resolver) Snapshot() *ruleset.Snapshot { return r.snap }

// RiskClass returns the risk class of accountCode from the pattern table.
// The first matching pattern wins; a property-type override on that pattern
// beats its base class. Unmatched accounts are medium.
func (r *Resolver) RiskClass(accountCode string) model.RiskClass {
	if rc, ok := r.patternRiskClass(accountCode); ok {
		return rc
	}
	return DefaultRiskClass
}

func (r *Resolver) patternRiskClass(accountCode string) (model.RiskClass, bool) {
	code := strings.TrimSpace(accountCode)
	if code == "" {
		return "", false
	}
	for _, rc := range r.snap.RiskClasses() {
		if !matchPattern(rc.Pattern, code) {
			continue
		}
		if override, ok := rc.PropertyTypeOverrides[r.property.PropertyType]; ok && override.Valid() {
			return override, true
		}
		return rc.RiskClass, true
	}
	return "", false
}

// ResolveRiskClass combines both sources of risk: a matching account pattern
// wins, otherwise the risk class of the resolved materiality threshold.
func (r *Resolver) ResolveRiskClass(statement model.DocumentType, accountCode string) model.RiskClass {
	if rc, ok := r.patternRiskClass(accountCode); ok {
		return rc
	}
	return r.Threshold(statement, accountCode).RiskClass
}

// Threshold resolves the most specific active materiality row for the
// property: account, then statement, then property, then global. Resolution
// is total; with no row the system defaults apply.
func (r *Resolver) Threshold(statement model.DocumentType, accountCode string) Threshold {
	rows := r.snap.Materiality()
	pid := r.property.ID
	code := strings.TrimSpace(accountCode)

	levels := []func(model.MaterialityConfig) bool{
		func(c model.MaterialityConfig) bool {
			return c.Scope() == model.ScopeAccount && *c.PropertyID == pid &&
				statement != "" && *c.StatementType == statement &&
				code != "" && matchPattern(*c.AccountCode, code)
		},
		func(c model.MaterialityConfig) bool {
			return c.Scope() == model.ScopeStatement && *c.PropertyID == pid &&
				statement != "" && *c.StatementType == statement
		},
		func(c model.MaterialityConfig) bool {
			return c.Scope() == model.ScopeProperty && *c.PropertyID == pid
		},
		func(c model.MaterialityConfig) bool {
			return c.Scope() == model.ScopeGlobal
		},
	}

	for _, match := range levels {
		for _, c := range rows {
			if match(c) {
				return r.fromConfig(c)
			}
		}
	}

	return Threshold{
		Absolute:      DefaultAbsolute,
		RelativePct:   DefaultRelativePct,
		RiskClass:     DefaultRiskClass,
		ToleranceType: model.ToleranceStandard,
		Scope:         model.ScopeDefault,
	}
}

func (r *Resolver) fromConfig(c model.MaterialityConfig) Threshold {
	t := Threshold{
		Absolute:          c.AbsoluteThreshold,
		RelativePct:       c.RelativeThresholdPct,
		RiskClass:         c.RiskClass,
		ToleranceType:     c.ToleranceType,
		ToleranceAbsolute: c.ToleranceAbsolute,
		TolerancePercent:  c.TolerancePercent,
		Scope:             c.Scope(),
		ConfigID:          c.ID,
	}
	if !t.RiskClass.Valid() {
		t.RiskClass = DefaultRiskClass
	}
	if t.ToleranceType == "" {
		t.ToleranceType = model.ToleranceStandard
	}
	if o, ok := c.PropertyTypeOverrides[r.property.PropertyType]; ok {
		if o.Absolute != nil {
			t.Absolute = *o.Absolute
		}
		if o.RelativePct != nil {
			t.RelativePct = *o.RelativePct
		}
	}
	return t
}

// matchPattern reports whether an account code matches a wildcard pattern
// such as "1*" or "40?0-0000". Malformed patterns never match.
func matchPattern(pattern, code string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	ok, err := doublestar.Match(pattern, code)
	return err == nil && ok
}
