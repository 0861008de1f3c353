// Package ruleset builds the immutable configuration snapshot a
// reconciliation run resolves thresholds, risk classes and rules against.
package ruleset

import (
	"slices"
	"sort"
	"time"

	"github.com/sells-group/recon-engine/internal/model"
)

// Snapshot is a point-in-time, filtered view of the configuration store.
// It is built once per run and never mutated, so concurrent sessions cannot
// observe a half-updated configuration. Accessors return copies.
type Snapshot struct {
	asOf        time.Time
	property    model.Property
	materiality []model.MaterialityConfig
	riskClasses []model.AccountRiskClass
	rules       []model.CalculatedRule
	autoRules   []model.AutoResolutionRule
}

// Build filters cfg down to the rows active at asOf:
//   - materiality rows and calculated rules outside their window are dropped
//   - calculated rules sharing a rule id collapse to the highest active version
//   - risk patterns keep their declared order
//   - inactive auto-resolution rules are dropped, the rest sorted by priority
//     descending with id as tie-break
func Build(cfg model.RuleConfig, asOf time.Time) *Snapshot {
	s := &Snapshot{asOf: asOf, property: cfg.Property}

	for _, m := range cfg.Materiality {
		if m.ActiveAt(asOf) {
			s.materiality = append(s.materiality, m)
		}
	}

	s.riskClasses = slices.Clone(cfg.RiskClasses)
	sort.SliceStable(s.riskClasses, func(i, j int) bool {
		return s.riskClasses[i].SortOrder < s.riskClasses[j].SortOrder
	})

	s.rules = latestRuleVersions(cfg.CalculatedRules, asOf)

	for _, r := range cfg.AutoRules {
		if r.Active {
			s.autoRules = append(s.autoRules, r)
		}
	}
	sort.SliceStable(s.autoRules, func(i, j int) bool {
		if s.autoRules[i].Priority != s.autoRules[j].Priority {
			return s.autoRules[i].Priority > s.autoRules[j].Priority
		}
		return s.autoRules[i].ID < s.autoRules[j].ID
	})

	return s
}

// Empty returns a snapshot with no configuration rows. Every lookup against
// it falls back to system defaults.
func Empty(property model.Property, asOf time.Time) *Snapshot {
	return &Snapshot{asOf: asOf, property: property}
}

func latestRuleVersions(rules []model.CalculatedRule, asOf time.Time) []model.CalculatedRule {
	latest := make(map[string]int)
	var out []model.CalculatedRule
	for _, r := range rules {
		if !r.ActiveAt(asOf) {
			continue
		}
		if i, ok := latest[r.RuleID]; ok {
			if r.Version > out[i].Version {
				out[i] = r
			}
			continue
		}
		latest[r.RuleID] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// AsOf returns the instant the snapshot was filtered at.
func (s *Snapshot) AsOf() time.Time { return s.asOf }

// Property returns the property the snapshot was loaded for.
func (s *Snapshot) Property() model.Property { return s.property }

// Materiality returns the active materiality rows in load order.
func (s *Snapshot) Materiality() []model.MaterialityConfig { return slices.Clone(s.materiality) }

// RiskClasses returns the risk patterns in evaluation order.
func (s *Snapshot) RiskClasses() []model.AccountRiskClass { return slices.Clone(s.riskClasses) }

// CalculatedRules returns the latest active version of each rule.
func (s *Snapshot) CalculatedRules() []model.CalculatedRule { return slices.Clone(s.rules) }

// AutoRules returns active auto-resolution rules, highest priority first.
func (s *Snapshot) AutoRules() []model.AutoResolutionRule { return slices.Clone(s.autoRules) }
