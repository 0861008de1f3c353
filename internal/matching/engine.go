// Package matching finds corresponding line items across a property's
// financial documents using a cascade of independent strategies.
package matching

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/model"
)

// RecordSource is the read side of the record store the strategies need.
type RecordSource interface {
	ListRecords(ctx context.Context, propertyID, periodID int64, doc model.DocumentType) ([]model.Record, error)
	FindRecord(ctx context.Context, propertyID, periodID int64, doc model.DocumentType, identifier string) (*model.Record, error)
}

// Scope is the property-period a matching run covers.
type Scope struct {
	PropertyID    int64
	PeriodID      int64
	PriorPeriodID *int64
}

// Findings is what a strategy produces.
type Findings struct {
	Candidates  []model.MatchCandidate
	Evaluations []model.RuleEvaluation
}

// Strategy is one pluggable matching pass.
type Strategy interface {
	Name() string
	Find(ctx context.Context, scope Scope) (Findings, error)
}

// Failure records a strategy that errored or panicked.
type Failure struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
}

// Result is the combined output of every strategy.
type Result struct {
	Candidates  []model.MatchCandidate
	Evaluations []model.RuleEvaluation
	Failures    []Failure
}

// Engine runs strategies in sequence.
type Engine struct {
	strategies []Strategy
}

// NewEngine creates an Engine running strategies in the given order.
func NewEngine(strategies ...Strategy) *Engine {
	return &Engine{strategies: strategies}
}

// Strategies returns the configured strategy names in order.
func (e *Engine) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// FindMatches runs every strategy. A strategy that fails is recorded in
// Result.Failures and the remaining strategies still run.
func (e *Engine) FindMatches(ctx context.Context, scope Scope) Result {
	log := zap.L().With(
		zap.String("component", "matching.engine"),
		zap.Int64("property_id", scope.PropertyID),
		zap.Int64("period_id", scope.PeriodID),
	)

	var res Result
	for _, s := range e.strategies {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{Strategy: s.Name(), Reason: ctx.Err().Error()})
			continue
		}

		f, err := runStrategy(ctx, s, scope)
		if err != nil {
			log.Error("matching strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
			res.Failures = append(res.Failures, Failure{Strategy: s.Name(), Reason: err.Error()})
			continue
		}

		log.Debug("matching strategy complete",
			zap.String("strategy", s.Name()),
			zap.Int("candidates", len(f.Candidates)),
			zap.Int("evaluations", len(f.Evaluations)),
		)
		res.Candidates = append(res.Candidates, f.Candidates...)
		res.Evaluations = append(res.Evaluations, f.Evaluations...)
	}
	return res
}

func runStrategy(ctx context.Context, s Strategy, scope Scope) (f Findings, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = Findings{}
			err = eris.Errorf("matching: %s panicked: %v", s.Name(), r)
		}
	}()
	f, err = s.Find(ctx, scope)
	if err != nil {
		return Findings{}, eris.Wrapf(err, "matching: %s", s.Name())
	}
	return f, nil
}

// CachedSource memoizes ListRecords for the duration of one run so that
// strategies sharing a scope read each document table once. Records are
// read-only during a run, which makes the cache safe.
type CachedSource struct {
	src RecordSource

	mu    sync.Mutex
	lists map[string][]model.Record
}

// NewCachedSource wraps src.
func NewCachedSource(src RecordSource) *CachedSource {
	return &CachedSource{src: src, lists: make(map[string][]model.Record)}
}

// ListRecords implements RecordSource.
func (c *CachedSource) ListRecords(ctx context.Context, propertyID, periodID int64, doc model.DocumentType) ([]model.Record, error) {
	key := fmt.Sprintf("%d/%d/%s", propertyID, periodID, doc)

	c.mu.Lock()
	recs, ok := c.lists[key]
	c.mu.Unlock()
	if ok {
		return recs, nil
	}

	recs, err := c.src.ListRecords(ctx, propertyID, periodID, doc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lists[key] = recs
	c.mu.Unlock()
	return recs, nil
}

// FindRecord implements RecordSource.
func (c *CachedSource) FindRecord(ctx context.Context, propertyID, periodID int64, doc model.DocumentType, identifier string) (*model.Record, error) {
	return c.src.FindRecord(ctx, propertyID, periodID, doc, identifier)
}

// loadAll lists every document type for a property-period.
func loadAll(ctx context.Context, src RecordSource, propertyID, periodID int64) (map[model.DocumentType][]model.Record, error) {
	out := make(map[model.DocumentType][]model.Record, len(model.DocumentTypes))
	for _, dt := range model.DocumentTypes {
		recs, err := src.ListRecords(ctx, propertyID, periodID, dt)
		if err != nil {
			return nil, eris.Wrapf(err, "list %s records", dt)
		}
		out[dt] = recs
	}
	return out, nil
}

// docPairs returns every (source, target) pair of distinct document types in
// canonical order.
func docPairs() [][2]model.DocumentType {
	var pairs [][2]model.DocumentType
	for i := range model.DocumentTypes {
		for j := i + 1; j < len(model.DocumentTypes); j++ {
			pairs = append(pairs, [2]model.DocumentType{model.DocumentTypes[i], model.DocumentTypes[j]})
		}
	}
	return pairs
}
