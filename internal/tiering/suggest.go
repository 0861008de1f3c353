package tiering

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/matching"
	"github.com/sells-group/recon-engine/internal/model"
)

// Suggestion kinds.
const (
	SuggestRounding = "rounding_adjustment"
	SuggestMapping  = "account_mapping"
	SuggestRule     = "rule"
)

var roundingLimit = decimal.RequireFromString("0.10")

// Suggestion is one candidate fix for a tier 1 match.
type Suggestion struct {
	Kind        string            `json:"kind"`
	Pattern     model.PatternType `json:"pattern,omitempty"`
	RuleID      int64             `json:"rule_id,omitempty"`
	RuleName    string            `json:"rule_name,omitempty"`
	Description string            `json:"description"`
	Adjustment  *decimal.Decimal  `json:"adjustment,omitempty"`
}

// SuggestFixes returns ordered fix suggestions for m without modifying it:
// a rounding adjustment for differences up to 0.10, an account mapping when
// the two sides use different codes, then every auto-resolution rule (highest
// priority first) whose scope and pattern test match.
func (c *Classifier) SuggestFixes(m *model.PersistedMatch) []Suggestion {
	var out []Suggestion

	diff := m.Source.Amount.Sub(m.Target.Amount)
	if m.AmountDiff.Abs().LessThanOrEqual(roundingLimit) {
		adj := diff.Neg()
		out = append(out, Suggestion{
			Kind:        SuggestRounding,
			Description: fmt.Sprintf("Post a rounding adjustment of %s", adj.StringFixed(2)),
			Adjustment:  &adj,
		})
	}

	if !strings.EqualFold(strings.TrimSpace(m.Source.AccountCode), strings.TrimSpace(m.Target.AccountCode)) {
		out = append(out, Suggestion{
			Kind: SuggestMapping,
			Description: fmt.Sprintf("Map %s account %s to %s account %s",
				m.Source.DocType, m.Source.AccountCode, m.Target.DocType, m.Target.AccountCode),
		})
	}

	for _, rule := range c.resolver.Snapshot().AutoRules() {
		if !ruleInScope(rule, m) {
			continue
		}
		desc, ok := patternMatches(rule, m)
		if !ok {
			continue
		}
		out = append(out, Suggestion{
			Kind:        SuggestRule,
			Pattern:     rule.PatternType,
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Description: desc,
		})
	}
	return out
}

func ruleInScope(rule model.AutoResolutionRule, m *model.PersistedMatch) bool {
	if rule.PropertyID != nil && *rule.PropertyID != m.PropertyID {
		return false
	}
	if rule.StatementType != nil && *rule.StatementType != m.Source.DocType {
		return false
	}
	return m.Confidence >= rule.ConfidenceThreshold
}

// patternMatches runs the rule's pattern heuristic against m and returns a
// description of the fix when it applies.
func patternMatches(rule model.AutoResolutionRule, m *model.PersistedMatch) (string, bool) {
	switch rule.PatternType {
	case model.PatternRounding:
		limit := decimal.NewFromFloat(paramFloat(rule.Parameters, "max_difference", 1.00))
		if m.AmountDiff.Abs().LessThanOrEqual(limit) {
			return fmt.Sprintf("%s: difference %s is within rounding limit %s",
				rule.Name, m.AmountDiff.StringFixed(2), limit.StringFixed(2)), true
		}
	case model.PatternTiming:
		src, tgt := m.Source.Amount, m.Target.Amount
		if src.IsZero() || tgt.IsZero() || src.Sign() != tgt.Sign() {
			return "", false
		}
		_, pct := matching.AmountDiff(src, tgt)
		if pct <= paramFloat(rule.Parameters, "max_percent", 10) {
			return fmt.Sprintf("%s: %.2f%% variance consistent with a period cutoff timing difference",
				rule.Name, pct), true
		}
	case model.PatternSynonym:
		a := matching.NormalizeName(m.Source.AccountName)
		b := matching.NormalizeName(m.Target.AccountName)
		if a == "" || b == "" {
			return "", false
		}
		if a == b || listedSynonyms(rule.Parameters, a, b) || matching.WordOverlap(a, b) >= 0.5 {
			return fmt.Sprintf("%s: treat %q and %q as the same account",
				rule.Name, m.Source.AccountName, m.Target.AccountName), true
		}
	case model.PatternMapping:
		sp := paramString(rule.Parameters, "source_pattern")
		tp := paramString(rule.Parameters, "target_pattern")
		if sp == "" || tp == "" {
			if !strings.EqualFold(m.Source.AccountCode, m.Target.AccountCode) {
				return fmt.Sprintf("%s: map %s to %s", rule.Name, m.Source.AccountCode, m.Target.AccountCode), true
			}
			return "", false
		}
		if globMatch(sp, m.Source.AccountCode) && globMatch(tp, m.Target.AccountCode) {
			return fmt.Sprintf("%s: %s maps to %s by configured mapping", rule.Name, m.Source.AccountCode, m.Target.AccountCode), true
		}
	}
	return "", false
}

func globMatch(pattern, code string) bool {
	ok, err := doublestar.Match(strings.TrimSpace(pattern), strings.TrimSpace(code))
	return err == nil && ok
}

// listedSynonyms reports whether a and b appear together in one of the
// rule's synonym groups.
func listedSynonyms(params map[string]any, a, b string) bool {
	groups, ok := params["synonyms"].([]any)
	if !ok {
		return false
	}
	for _, g := range groups {
		words, ok := g.([]any)
		if !ok {
			continue
		}
		var hasA, hasB bool
		for _, w := range words {
			s, ok := w.(string)
			if !ok {
				continue
			}
			n := matching.NormalizeName(s)
			hasA = hasA || n == a
			hasB = hasB || n == b
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
