package matching

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/ruleset"
)

// Default tolerance of a calculated rule without overrides.
var (
	DefaultRuleToleranceAbsolute = decimal.RequireFromString("0.01")
	DefaultRuleTolerancePercent  = 1.0
)

const defaultFailureTemplate = "{rule} failed: {left} vs {right} (difference {diff}, {diff_percent}%)"

// CalculatedStrategy evaluates the snapshot's cross-statement equality rules.
// Each rule yields an evaluation row for the result sink and, when both
// operands resolve to records, a match candidate.
type CalculatedStrategy struct {
	src   RecordSource
	rules []model.CalculatedRule
}

// NewCalculatedStrategy creates a CalculatedStrategy over the active rules
// of snap.
func NewCalculatedStrategy(src RecordSource, snap *ruleset.Snapshot) *CalculatedStrategy {
	return &CalculatedStrategy{src: src, rules: snap.CalculatedRules()}
}

func (s *CalculatedStrategy) Name() string { return string(model.MatchCalculated) }

// Find implements Strategy. A rule whose formula does not parse, or whose
// operand cannot be resolved, produces no candidate; a missing operand is
// never treated as zero.
func (s *CalculatedStrategy) Find(ctx context.Context, scope Scope) (Findings, error) {
	log := zap.L().With(zap.String("component", "matching.calculated"))

	var out Findings
	for _, rule := range s.rules {
		eval := model.RuleEvaluation{
			PropertyID: scope.PropertyID,
			PeriodID:   scope.PeriodID,
			RuleID:     rule.RuleID,
			RuleName:   rule.Name,
			Version:    rule.Version,
			Formula:    rule.Formula,
		}

		f, err := ruleset.ParseFormula(rule.Formula)
		if err != nil {
			log.Warn("skipping rule with invalid formula", zap.String("rule_id", rule.RuleID), zap.Error(err))
			eval.Status = model.EvalMissingData
			eval.Message = err.Error()
			out.Evaluations = append(out.Evaluations, eval)
			continue
		}

		left, lerr := s.resolve(ctx, scope, f.Left)
		right, rerr := s.resolve(ctx, scope, f.Right)
		if left != nil {
			v := left.DisplayAmount()
			eval.LeftValue = &v
		}
		if right != nil {
			v := right.DisplayAmount()
			eval.RightValue = &v
		}
		if left == nil || right == nil {
			eval.Status = model.EvalMissingData
			eval.Message = missingMessage(f, left, right, lerr, rerr)
			log.Debug("rule operand not found", zap.String("rule_id", rule.RuleID), zap.String("detail", eval.Message))
			out.Evaluations = append(out.Evaluations, eval)
			continue
		}

		lv, rv := left.DisplayAmount(), right.DisplayAmount()
		diff, pct := AmountDiff(lv, rv)
		absTol, pctTol := ruleTolerance(rule)
		within := diff.LessThanOrEqual(absTol) || pct <= pctTol

		eval.Difference = diff
		eval.DiffPercent = pct
		if within {
			eval.Status = model.EvalPass
		} else {
			eval.Status = model.EvalFail
			eval.Message = renderFailure(rule, lv, rv, diff, pct)
		}
		out.Evaluations = append(out.Evaluations, eval)

		// Pairs run in document order whatever side of the formula an
		// operand sits on, so they dedup against exact and fuzzy pairs.
		src, tgt := left, right
		srcAmt, tgtAmt := lv, rv
		if tgt.DocType.Ordinal() < src.DocType.Ordinal() {
			src, tgt = tgt, src
			srcAmt, tgtAmt = tgtAmt, srcAmt
		}
		out.Candidates = append(out.Candidates, model.MatchCandidate{
			Source:           src.Ref(),
			Target:           tgt.Ref(),
			Method:           model.MatchCalculated,
			Confidence:       CalculatedConfidence(diff, pct, within),
			SourceAmount:     srcAmt,
			TargetAmount:     tgtAmt,
			AmountDiff:       diff,
			DiffPercent:      pct,
			Formula:          rule.Formula,
			RelationshipType: "formula",
			RuleID:           rule.RuleID,
		})
	}
	return out, nil
}

// resolve looks up an operand's record. It returns nil when the record does
// not exist. An operand naming the document's amount field (for example
// MS.principal_balance) resolves to the only record of that document, if
// there is exactly one.
func (s *CalculatedStrategy) resolve(ctx context.Context, scope Scope, op ruleset.Operand) (*model.Record, error) {
	rec, err := s.src.FindRecord(ctx, scope.PropertyID, scope.PeriodID, op.DocType, op.Account)
	if err != nil || rec != nil {
		return rec, err
	}
	if !strings.EqualFold(op.Account, op.DocType.AmountField()) {
		return nil, nil
	}
	recs, err := s.src.ListRecords(ctx, scope.PropertyID, scope.PeriodID, op.DocType)
	if err != nil {
		return nil, err
	}
	if len(recs) == 1 {
		return &recs[0], nil
	}
	return nil, nil
}

func ruleTolerance(rule model.CalculatedRule) (decimal.Decimal, float64) {
	abs := DefaultRuleToleranceAbsolute
	pct := DefaultRuleTolerancePercent
	if rule.ToleranceAbsolute != nil {
		abs = *rule.ToleranceAbsolute
	}
	if rule.TolerancePercent != nil {
		pct = *rule.TolerancePercent
	}
	return abs, pct
}

// CalculatedConfidence maps a rule difference to a confidence score:
// 100 at or below 0.01, 95 within 0.1%, 90 within 1%, otherwise 100 minus
// the percentage floored at 70 inside tolerance and 50 outside it.
func CalculatedConfidence(diff decimal.Decimal, diffPercent float64, withinTolerance bool) float64 {
	switch {
	case diff.LessThanOrEqual(nearZero):
		return 100.0
	case diffPercent <= 0.1:
		return 95.0
	case diffPercent <= 1.0:
		return 90.0
	case withinTolerance:
		return math.Max(70.0, 100.0-diffPercent)
	default:
		return math.Max(50.0, 100.0-diffPercent)
	}
}

func renderFailure(rule model.CalculatedRule, left, right, diff decimal.Decimal, pct float64) string {
	tmpl := rule.FailureTemplate
	if tmpl == "" {
		tmpl = defaultFailureTemplate
	}
	name := rule.Name
	if name == "" {
		name = rule.RuleID
	}
	return strings.NewReplacer(
		"{rule}", name,
		"{left}", left.StringFixed(2),
		"{right}", right.StringFixed(2),
		"{diff}", diff.StringFixed(2),
		"{diff_percent}", fmt.Sprintf("%.2f", pct),
	).Replace(tmpl)
}

func missingMessage(f ruleset.Formula, left, right *model.Record, lerr, rerr error) string {
	var parts []string
	if left == nil {
		parts = append(parts, operandProblem(f.Left, lerr))
	}
	if right == nil {
		parts = append(parts, operandProblem(f.Right, rerr))
	}
	return strings.Join(parts, "; ")
}

func operandProblem(op ruleset.Operand, err error) string {
	if err != nil {
		return fmt.Sprintf("%s lookup failed: %v", op, err)
	}
	return fmt.Sprintf("%s not found", op)
}
