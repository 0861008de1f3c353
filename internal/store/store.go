// Package store persists reconciliation state and reads the records and
// configuration it operates on. Postgres and SQLite implementations share
// the same schema.
package store

import (
	"context"
	"strings"

	"github.com/sells-group/recon-engine/internal/model"
)

// RecordStore reads extracted financial records. Lookups that find nothing
// return a nil record and a nil error.
type RecordStore interface {
	ListRecords(ctx context.Context, propertyID, periodID int64, doc model.DocumentType) ([]model.Record, error)
	FindRecord(ctx context.Context, propertyID, periodID int64, doc model.DocumentType, identifier string) (*model.Record, error)
	GetRecord(ctx context.Context, ref model.RecordRef) (*model.Record, error)
}

// PeriodStore reads reporting periods.
type PeriodStore interface {
	GetPeriod(ctx context.Context, periodID int64) (*model.Period, error)
	FindPeriod(ctx context.Context, propertyID int64, year, month int) (*model.Period, error)
}

// ConfigStore loads the reconciliation configuration rows that apply to a
// property: its own rows plus the global ones.
type ConfigStore interface {
	LoadRuleConfig(ctx context.Context, propertyID int64) (model.RuleConfig, error)
}

// MatchStore persists session-scoped matches.
type MatchStore interface {
	DeleteSessionMatches(ctx context.Context, sessionID string) (int64, error)
	ListSessionPairs(ctx context.Context, sessionID string) ([]model.MatchPair, error)
	InsertMatch(ctx context.Context, m *model.PersistedMatch) error
	UpdateMatchReview(ctx context.Context, matchID int64, tier model.Tier, status model.MatchStatus, notes string) error
	ListSessionMatches(ctx context.Context, sessionID string) ([]model.PersistedMatch, error)
}

// DiscrepancyStore persists discrepancies linked to matched pairs.
type DiscrepancyStore interface {
	InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error
	FindDiscrepancy(ctx context.Context, sessionID string, pair model.MatchPair) (*model.Discrepancy, error)
	UpdateDiscrepancy(ctx context.Context, d *model.Discrepancy) error
	UpdateDiscrepancyTier(ctx context.Context, discrepancyID int64, tier model.Tier) error
	DeleteDiscrepancy(ctx context.Context, discrepancyID int64) error
}

// ResultStore is the rule-evaluation result sink, keyed by
// (property, period, rule id) with last-write-wins semantics.
type ResultStore interface {
	SaveResults(ctx context.Context, evals []model.RuleEvaluation) (int64, error)
	ListResults(ctx context.Context, propertyID, periodID int64) ([]model.RuleEvaluation, error)
}

// Loader writes reference data and records. The core never calls it; it
// backs the import command and test fixtures.
type Loader interface {
	UpsertProperty(ctx context.Context, p model.Property) error
	InsertPeriod(ctx context.Context, p *model.Period) error
	InsertRecords(ctx context.Context, recs []model.Record) (int64, error)
	SaveRuleConfig(ctx context.Context, cfg model.RuleConfig) error
}

// Store defines the full persistence interface of the reconciliation engine.
type Store interface {
	RecordStore
	PeriodStore
	ConfigStore
	MatchStore
	DiscrepancyStore
	ResultStore
	Loader

	// InTx runs fn against a store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Store) error) error

	Migrate(ctx context.Context) error
	Close() error
}

// findByIdentifier returns the first record addressed by identifier,
// preferring an identifier match over a name match.
func findByIdentifier(recs []model.Record, identifier string) *model.Record {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return nil
	}
	for i := range recs {
		if strings.EqualFold(strings.TrimSpace(recs[i].Identifier()), id) {
			return &recs[i]
		}
	}
	for i := range recs {
		if recs[i].MatchesIdentifier(id) {
			return &recs[i]
		}
	}
	return nil
}
