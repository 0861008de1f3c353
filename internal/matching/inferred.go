package matching

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/materiality"
	"github.com/sells-group/recon-engine/internal/model"
)

// Inferred confidences stay below the floors of the other strategies.
const (
	inferredMaxConfidence   = 65.0
	inferredFloorConfidence = 40.0
)

// InferredStrategy correlates the period-over-period change of balance
// sheet accounts with cash flow lines in the same account-code range.
type InferredStrategy struct {
	src      RecordSource
	resolver *materiality.Resolver
}

// NewInferredStrategy creates an InferredStrategy.
func NewInferredStrategy(src RecordSource, resolver *materiality.Resolver) *InferredStrategy {
	return &InferredStrategy{src: src, resolver: resolver}
}

func (s *InferredStrategy) Name() string { return string(model.MatchInferred) }

// Find implements Strategy. Without a prior period there is nothing to
// correlate and no candidates are produced.
func (s *InferredStrategy) Find(ctx context.Context, scope Scope) (Findings, error) {
	if scope.PriorPeriodID == nil {
		return Findings{}, nil
	}

	current, err := s.src.ListRecords(ctx, scope.PropertyID, scope.PeriodID, model.DocBalanceSheet)
	if err != nil {
		return Findings{}, err
	}
	prior, err := s.src.ListRecords(ctx, scope.PropertyID, *scope.PriorPeriodID, model.DocBalanceSheet)
	if err != nil {
		return Findings{}, err
	}
	cashFlow, err := s.src.ListRecords(ctx, scope.PropertyID, scope.PeriodID, model.DocCashFlow)
	if err != nil {
		return Findings{}, err
	}

	priorByCode := make(map[string]model.Record, len(prior))
	for _, p := range prior {
		priorByCode[strings.ToUpper(strings.TrimSpace(p.AccountCode))] = p
	}

	var out Findings
	used := make(map[int64]bool)
	for _, bs := range current {
		p, ok := priorByCode[strings.ToUpper(strings.TrimSpace(bs.AccountCode))]
		if !ok {
			continue
		}
		delta := bs.Amount.Sub(p.Amount)
		if delta.IsZero() {
			continue
		}

		tol := s.resolver.DynamicTolerance(bs.AccountCode, model.MatchInferred, model.DocBalanceSheet)

		var (
			best     model.Record
			bestDiff decimal.Decimal
			bestPct  float64
			found    bool
		)
		for _, cf := range cashFlow {
			if used[cf.ID] || !sameCodeRange(bs.AccountCode, cf.AccountCode) {
				continue
			}
			diff, pct := AmountDiff(delta.Abs(), cf.Amount.Abs())
			if !diff.LessThanOrEqual(tol.Absolute) && pct > tol.Percent {
				continue
			}
			if !found || diff.LessThan(bestDiff) {
				best, bestDiff, bestPct, found = cf, diff, pct, true
			}
		}
		if !found {
			continue
		}
		used[best.ID] = true

		out.Candidates = append(out.Candidates, model.MatchCandidate{
			Source:           bs.Ref(),
			Target:           best.Ref(),
			Method:           model.MatchInferred,
			Confidence:       inferredConfidence(bestDiff, bestPct),
			SourceAmount:     delta,
			TargetAmount:     best.Amount,
			AmountDiff:       bestDiff,
			DiffPercent:      bestPct,
			Formula:          fmt.Sprintf("delta(BS.%s) = CF.%s", bs.AccountCode, best.AccountCode),
			RelationshipType: "period_delta",
		})
	}
	return out, nil
}

func inferredConfidence(diff decimal.Decimal, pct float64) float64 {
	if diff.LessThanOrEqual(nearZero) {
		return inferredMaxConfidence
	}
	return round2(math.Max(inferredFloorConfidence, inferredMaxConfidence-pct))
}

// sameCodeRange reports whether two account codes fall in the same range,
// judged by their leading digit.
func sameCodeRange(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && b != "" && a[0] == b[0]
}
