package matching

import (
	"context"

	"github.com/sells-group/recon-engine/internal/model"
)

// DefaultFuzzyThreshold is the minimum similarity for a fuzzy match.
const DefaultFuzzyThreshold = 0.85

// FuzzyStrategy pairs records whose names (or, failing names, identifiers)
// are similar. Confidence is the similarity score scaled to 0-100.
type FuzzyStrategy struct {
	src       RecordSource
	threshold float64
}

// NewFuzzyStrategy creates a FuzzyStrategy. A threshold outside (0,1] falls
// back to DefaultFuzzyThreshold.
func NewFuzzyStrategy(src RecordSource, threshold float64) *FuzzyStrategy {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}
	return &FuzzyStrategy{src: src, threshold: threshold}
}

func (s *FuzzyStrategy) Name() string { return string(model.MatchFuzzy) }

// Find implements Strategy. Pairs that qualify as exact are left to the
// exact strategy; each source keeps its best target per target document type.
func (s *FuzzyStrategy) Find(ctx context.Context, scope Scope) (Findings, error) {
	recs, err := loadAll(ctx, s.src, scope.PropertyID, scope.PeriodID)
	if err != nil {
		return Findings{}, err
	}

	var out Findings
	for _, pair := range docPairs() {
		for _, src := range recs[pair[0]] {
			var (
				best      model.Record
				bestScore float64
				found     bool
			)
			for _, tgt := range recs[pair[1]] {
				if isExact(src, tgt) {
					continue
				}
				score := recordSimilarity(src, tgt)
				if score >= s.threshold && score > bestScore {
					best, bestScore, found = tgt, score, true
				}
			}
			if !found {
				continue
			}
			diff, pct := AmountDiff(src.DisplayAmount(), best.DisplayAmount())
			out.Candidates = append(out.Candidates, model.MatchCandidate{
				Source:           src.Ref(),
				Target:           best.Ref(),
				Method:           model.MatchFuzzy,
				Confidence:       model.ClampConfidence(round2(bestScore * 100)),
				SourceAmount:     src.DisplayAmount(),
				TargetAmount:     best.DisplayAmount(),
				AmountDiff:       diff,
				DiffPercent:      pct,
				RelationshipType: "similar_name",
			})
		}
	}
	return out, nil
}

// recordSimilarity compares display names, falling back to identifiers when
// either record has no name.
func recordSimilarity(a, b model.Record) float64 {
	na := NormalizeName(a.DisplayName())
	nb := NormalizeName(b.DisplayName())
	if na != "" && nb != "" {
		return Similarity(na, nb)
	}
	return Similarity(NormalizeName(a.Identifier()), NormalizeName(b.Identifier()))
}
