package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchType is the strategy that produced a match.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchFuzzy      MatchType = "fuzzy"
	MatchCalculated MatchType = "calculated"
	MatchInferred   MatchType = "inferred"
)

// MatchStatus is the review status of a persisted match.
type MatchStatus string

const (
	StatusPending  MatchStatus = "pending"
	StatusApproved MatchStatus = "approved"
	StatusRejected MatchStatus = "rejected"
)

// MatchCandidate is the transient output of a matching strategy. It is never
// persisted directly; the orchestrator turns surviving candidates into
// PersistedMatch rows.
type MatchCandidate struct {
	Source           RecordRef       `json:"source"`
	Target           RecordRef       `json:"target"`
	Method           MatchType       `json:"method"`
	Confidence       float64         `json:"confidence"`
	SourceAmount     decimal.Decimal `json:"source_amount"`
	TargetAmount     decimal.Decimal `json:"target_amount"`
	AmountDiff       decimal.Decimal `json:"amount_diff"`
	DiffPercent      float64         `json:"diff_percent"`
	Formula          string          `json:"formula,omitempty"`
	RelationshipType string          `json:"relationship_type,omitempty"`
	RuleID           string          `json:"rule_id,omitempty"`
}

// Pair returns the dedup key of the candidate.
func (c MatchCandidate) Pair() MatchPair {
	return MatchPair{Source: c.Source, Target: c.Target}
}

// ClampConfidence bounds a confidence score to [0, 100].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}

// MatchSide holds the display snapshot of one endpoint of a persisted match.
type MatchSide struct {
	DocType     DocumentType    `json:"doc_type"`
	Table       string          `json:"table"`
	RecordID    int64           `json:"record_id"`
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Amount      decimal.Decimal `json:"amount"`
	FieldName   string          `json:"field_name"`
}

// Ref returns the tagged reference of this side.
func (s MatchSide) Ref() RecordRef {
	return RecordRef{DocType: s.DocType, ID: s.RecordID}
}

// SideFromRecord copies the document-type-specific display fields of r.
func SideFromRecord(r Record) MatchSide {
	return MatchSide{
		DocType:     r.DocType,
		Table:       r.DocType.Table(),
		RecordID:    r.ID,
		AccountCode: r.Identifier(),
		AccountName: r.DisplayName(),
		Amount:      r.DisplayAmount(),
		FieldName:   r.FieldName(),
	}
}

// PersistedMatch is the committed, session-scoped record of a match.
type PersistedMatch struct {
	ID               int64           `json:"id"`
	SessionID        string          `json:"session_id"`
	PropertyID       int64           `json:"property_id"`
	PeriodID         int64           `json:"period_id"`
	Source           MatchSide       `json:"source"`
	Target           MatchSide       `json:"target"`
	MatchType        MatchType       `json:"match_type"`
	Confidence       float64         `json:"confidence"`
	AmountDiff       decimal.Decimal `json:"amount_diff"`
	Formula          string          `json:"formula,omitempty"`
	RelationshipType string          `json:"relationship_type,omitempty"`
	Tier             *Tier           `json:"tier,omitempty"`
	Status           MatchStatus     `json:"status"`
	ReviewNotes      string          `json:"review_notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Pair returns the uniqueness key of the match.
func (m PersistedMatch) Pair() MatchPair {
	return MatchPair{Source: m.Source.Ref(), Target: m.Target.Ref()}
}

// Severity grades a discrepancy raised against a match.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Discrepancy is a finding linked to a matched pair. It is linked by pair
// rather than by match id so the link survives session reprocessing.
type Discrepancy struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Pair        MatchPair `json:"pair"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description,omitempty"`
	Tier        *Tier     `json:"tier,omitempty"`
}

// EvaluationStatus is the outcome of one calculated-rule evaluation.
type EvaluationStatus string

const (
	EvalPass        EvaluationStatus = "pass"
	EvalFail        EvaluationStatus = "fail"
	EvalMissingData EvaluationStatus = "missing_data"
)

// RuleEvaluation is a pass/fail/variance row written to the result sink,
// keyed by (property, period, rule id).
type RuleEvaluation struct {
	PropertyID  int64            `json:"property_id"`
	PeriodID    int64            `json:"period_id"`
	RuleID      string           `json:"rule_id"`
	RuleName    string           `json:"rule_name"`
	Version     int              `json:"version"`
	Formula     string           `json:"formula"`
	LeftValue   *decimal.Decimal `json:"left_value,omitempty"`
	RightValue  *decimal.Decimal `json:"right_value,omitempty"`
	Difference  decimal.Decimal  `json:"difference"`
	DiffPercent float64          `json:"diff_percent"`
	Status      EvaluationStatus `json:"status"`
	Message     string           `json:"message,omitempty"`
}

// EvaluationKey is the upsert key of a RuleEvaluation.
type EvaluationKey struct {
	PropertyID int64
	PeriodID   int64
	RuleID     string
}

// Key returns the upsert key of the evaluation.
func (e RuleEvaluation) Key() EvaluationKey {
	return EvaluationKey{PropertyID: e.PropertyID, PeriodID: e.PeriodID, RuleID: e.RuleID}
}

// DedupEvaluations collapses evaluations by key, keeping the last one written
// while preserving first-seen order.
func DedupEvaluations(evals []RuleEvaluation) []RuleEvaluation {
	idx := make(map[EvaluationKey]int, len(evals))
	out := make([]RuleEvaluation, 0, len(evals))
	for _, e := range evals {
		if i, ok := idx[e.Key()]; ok {
			out[i] = e
			continue
		}
		idx[e.Key()] = len(out)
		out = append(out, e)
	}
	return out
}
