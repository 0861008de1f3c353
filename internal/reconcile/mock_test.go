package reconcile

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
)

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	records map[model.RecordRef]model.Record
	periods map[int64]model.Period
	matches []model.PersistedMatch
	discs   []model.Discrepancy
	evals   []model.RuleEvaluation
	nextID  int64

	listErr        map[model.DocumentType]error
	missing        map[model.RecordRef]bool
	insertErr      map[model.MatchPair]error
	deleteErr      error
	updateErr      error
	panicOnUpdate  bool
	saveErr        error
	remainingPairs []model.MatchPair
}

func newFakeStore(recs ...model.Record) *fakeStore {
	f := &fakeStore{
		records:   make(map[model.RecordRef]model.Record),
		periods:   make(map[int64]model.Period),
		listErr:   make(map[model.DocumentType]error),
		missing:   make(map[model.RecordRef]bool),
		insertErr: make(map[model.MatchPair]error),
	}
	for _, r := range recs {
		f.records[r.Ref()] = r
	}
	return f
}

func (f *fakeStore) ListRecords(_ context.Context, propertyID, periodID int64, doc model.DocumentType) ([]model.Record, error) {
	if err := f.listErr[doc]; err != nil {
		return nil, err
	}
	var out []model.Record
	for _, r := range f.records {
		if r.PropertyID == propertyID && r.PeriodID == periodID && r.DocType == doc {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) FindRecord(ctx context.Context, propertyID, periodID int64, doc model.DocumentType, identifier string) (*model.Record, error) {
	recs, err := f.ListRecords(ctx, propertyID, periodID, doc)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].MatchesIdentifier(identifier) {
			return &recs[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetRecord(_ context.Context, ref model.RecordRef) (*model.Record, error) {
	if f.missing[ref] {
		return nil, nil
	}
	r, ok := f.records[ref]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeStore) GetPeriod(_ context.Context, periodID int64) (*model.Period, error) {
	p, ok := f.periods[periodID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) FindPeriod(_ context.Context, propertyID int64, year, month int) (*model.Period, error) {
	for _, p := range f.periods {
		if p.PropertyID == propertyID && p.Year == year && p.Month == month {
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeleteSessionMatches(_ context.Context, sessionID string) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	var kept []model.PersistedMatch
	var n int64
	for _, m := range f.matches {
		if m.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	f.matches = kept
	return n, nil
}

func (f *fakeStore) ListSessionPairs(_ context.Context, sessionID string) ([]model.MatchPair, error) {
	pairs := append([]model.MatchPair(nil), f.remainingPairs...)
	for _, m := range f.matches {
		if m.SessionID == sessionID {
			pairs = append(pairs, m.Pair())
		}
	}
	return pairs, nil
}

func (f *fakeStore) InsertMatch(_ context.Context, m *model.PersistedMatch) error {
	if err := f.insertErr[m.Pair()]; err != nil {
		return err
	}
	f.nextID++
	m.ID = f.nextID
	f.matches = append(f.matches, *m)
	return nil
}

func (f *fakeStore) UpdateMatchReview(_ context.Context, matchID int64, tier model.Tier, status model.MatchStatus, notes string) error {
	if f.panicOnUpdate {
		panic("update exploded")
	}
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.matches {
		if f.matches[i].ID == matchID {
			f.matches[i].Tier = tier.Ptr()
			f.matches[i].Status = status
			f.matches[i].ReviewNotes = notes
			return nil
		}
	}
	return eris.Errorf("match not found: %d", matchID)
}

func (f *fakeStore) ListSessionMatches(_ context.Context, sessionID string) ([]model.PersistedMatch, error) {
	var out []model.PersistedMatch
	for _, m := range f.matches {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertDiscrepancy(_ context.Context, d *model.Discrepancy) error {
	d.ID = int64(len(f.discs) + 1)
	f.discs = append(f.discs, *d)
	return nil
}

func (f *fakeStore) FindDiscrepancy(_ context.Context, sessionID string, pair model.MatchPair) (*model.Discrepancy, error) {
	for _, d := range f.discs {
		if d.SessionID == sessionID && d.Pair == pair {
			return &d, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateDiscrepancy(_ context.Context, d *model.Discrepancy) error {
	for i := range f.discs {
		if f.discs[i].ID == d.ID {
			f.discs[i].Severity = d.Severity
			f.discs[i].Description = d.Description
			return nil
		}
	}
	return eris.Errorf("discrepancy not found: %d", d.ID)
}

func (f *fakeStore) DeleteDiscrepancy(_ context.Context, discrepancyID int64) error {
	var kept []model.Discrepancy
	for _, d := range f.discs {
		if d.ID != discrepancyID {
			kept = append(kept, d)
		}
	}
	f.discs = kept
	return nil
}

func (f *fakeStore) UpdateDiscrepancyTier(_ context.Context, discrepancyID int64, tier model.Tier) error {
	for i := range f.discs {
		if f.discs[i].ID == discrepancyID {
			f.discs[i].Tier = tier.Ptr()
			return nil
		}
	}
	return eris.Errorf("discrepancy not found: %d", discrepancyID)
}

func (f *fakeStore) SaveResults(_ context.Context, evals []model.RuleEvaluation) (int64, error) {
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.evals = model.DedupEvaluations(append(f.evals, evals...))
	return int64(len(model.DedupEvaluations(evals))), nil
}

func (f *fakeStore) ListResults(_ context.Context, propertyID, periodID int64) ([]model.RuleEvaluation, error) {
	var out []model.RuleEvaluation
	for _, e := range f.evals {
		if e.PropertyID == propertyID && e.PeriodID == periodID {
			out = append(out, e)
		}
	}
	return out, nil
}

// configFunc adapts a function to store.ConfigStore.
type configFunc func(ctx context.Context, propertyID int64) (model.RuleConfig, error)

func (fn configFunc) LoadRuleConfig(ctx context.Context, propertyID int64) (model.RuleConfig, error) {
	return fn(ctx, propertyID)
}

func staticConfig(cfg model.RuleConfig) configFunc {
	return func(context.Context, int64) (model.RuleConfig, error) { return cfg, nil }
}
