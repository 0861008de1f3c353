package reconcile

import (
	"fmt"

	"github.com/sells-group/recon-engine/internal/model"
)

// Stage names the step of Process a failure was recorded in.
type Stage string

const (
	StageConfig      Stage = "config"
	StageReset       Stage = "reset"
	StagePriorPeriod Stage = "prior_period"
	StageBaseTotals  Stage = "base_totals"
	StageMatching    Stage = "matching"
	StageVerify      Stage = "verify"
	StagePersist     Stage = "persist"
	StageDiscrepancy Stage = "discrepancy"
	StageTiering     Stage = "tiering"
	StageResults     Stage = "results"
)

// Kind classifies a failure.
type Kind string

const (
	// ConfigurationGap: configuration could not be loaded and defaults
	// were substituted.
	ConfigurationGap Kind = "configuration_gap"
	// OperandMissing: a calculated rule operand did not resolve.
	OperandMissing Kind = "operand_missing"
	// ClassificationRace: tier re-validation disagreed with the tier
	// computed moments earlier.
	ClassificationRace Kind = "classification_race"
	// ModuleFailure: a strategy or the classifier errored or panicked.
	ModuleFailure Kind = "module_failure"
	// PersistenceFailure: a store read or write failed.
	PersistenceFailure Kind = "persistence_failure"
	// RecordMissing: a candidate endpoint does not exist in its table.
	RecordMissing Kind = "record_missing"
)

// Failure is one thing that was skipped or degraded during Process.
type Failure struct {
	Stage   Stage            `json:"stage"`
	Kind    Kind             `json:"kind"`
	Pair    *model.MatchPair `json:"pair,omitempty"`
	MatchID int64            `json:"match_id,omitempty"`
	Reason  string           `json:"reason"`
}

func (f Failure) String() string {
	switch {
	case f.Pair != nil:
		return fmt.Sprintf("%s/%s %s: %s", f.Stage, f.Kind, f.Pair, f.Reason)
	case f.MatchID != 0:
		return fmt.Sprintf("%s/%s match %d: %s", f.Stage, f.Kind, f.MatchID, f.Reason)
	default:
		return fmt.Sprintf("%s/%s: %s", f.Stage, f.Kind, f.Reason)
	}
}

func pairFailure(stage Stage, kind Kind, pair model.MatchPair, reason string) Failure {
	p := pair
	return Failure{Stage: stage, Kind: kind, Pair: &p, Reason: reason}
}
