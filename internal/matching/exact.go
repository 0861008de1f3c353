package matching

import (
	"context"
	"strings"

	"github.com/sells-group/recon-engine/internal/model"
)

// ExactStrategy pairs records of different document types that share an
// account identifier and agree on amount within a near-zero tolerance.
type ExactStrategy struct {
	src RecordSource
}

// NewExactStrategy creates an ExactStrategy.
func NewExactStrategy(src RecordSource) *ExactStrategy {
	return &ExactStrategy{src: src}
}

func (s *ExactStrategy) Name() string { return string(model.MatchExact) }

// Find implements Strategy.
func (s *ExactStrategy) Find(ctx context.Context, scope Scope) (Findings, error) {
	recs, err := loadAll(ctx, s.src, scope.PropertyID, scope.PeriodID)
	if err != nil {
		return Findings{}, err
	}

	var out Findings
	for _, pair := range docPairs() {
		used := make(map[int64]bool)
		for _, src := range recs[pair[0]] {
			for _, tgt := range recs[pair[1]] {
				if used[tgt.ID] || !isExact(src, tgt) {
					continue
				}
				used[tgt.ID] = true
				diff, pct := AmountDiff(src.DisplayAmount(), tgt.DisplayAmount())
				out.Candidates = append(out.Candidates, model.MatchCandidate{
					Source:           src.Ref(),
					Target:           tgt.Ref(),
					Method:           model.MatchExact,
					Confidence:       100,
					SourceAmount:     src.DisplayAmount(),
					TargetAmount:     tgt.DisplayAmount(),
					AmountDiff:       diff,
					DiffPercent:      pct,
					RelationshipType: "same_account",
				})
				break
			}
		}
	}
	return out, nil
}

func sameIdentifier(a, b model.Record) bool {
	ia := strings.TrimSpace(a.Identifier())
	ib := strings.TrimSpace(b.Identifier())
	return ia != "" && strings.EqualFold(ia, ib)
}

func isExact(a, b model.Record) bool {
	if !sameIdentifier(a, b) {
		return false
	}
	diff, _ := AmountDiff(a.DisplayAmount(), b.DisplayAmount())
	return diff.LessThanOrEqual(nearZero)
}
