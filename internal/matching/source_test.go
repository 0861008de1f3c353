package matching

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

const (
	testProperty = int64(1)
	testPeriod   = int64(10)
	testPrior    = int64(9)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// fakeSource serves records from memory and counts list calls.
type fakeSource struct {
	mu      sync.Mutex
	records []model.Record
	listErr map[model.DocumentType]error
	lists   int
}

func newFakeSource(recs ...model.Record) *fakeSource {
	return &fakeSource{records: recs, listErr: make(map[model.DocumentType]error)}
}

func (f *fakeSource) ListRecords(_ context.Context, propertyID, periodID int64, doc model.DocumentType) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if err := f.listErr[doc]; err != nil {
		return nil, err
	}
	var out []model.Record
	for _, r := range f.records {
		if r.PropertyID == propertyID && r.PeriodID == periodID && r.DocType == doc {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) FindRecord(ctx context.Context, propertyID, periodID int64, doc model.DocumentType, identifier string) (*model.Record, error) {
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

func statement(id int64, doc model.DocumentType, code, name, amount string) model.Record {
	return model.Record{
		ID: id, DocType: doc, PropertyID: testProperty, PeriodID: testPeriod,
		AccountCode: code, AccountName: name, Amount: dec(amount), Confidence: 95,
	}
}

func scope() Scope {
	return Scope{PropertyID: testProperty, PeriodID: testPeriod}
}
