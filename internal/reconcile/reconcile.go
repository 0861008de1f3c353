// Package reconcile runs one reconciliation session for a property-period:
// matching, persistence, tiering and result reporting.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/materiality"
	"github.com/sells-group/recon-engine/internal/matching"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/monitoring"
	"github.com/sells-group/recon-engine/internal/ruleset"
	"github.com/sells-group/recon-engine/internal/store"
	"github.com/sells-group/recon-engine/internal/tiering"
)

const tracerName = "github.com/sells-group/recon-engine/internal/reconcile"

// Store is the slice of the store a session reads and writes.
type Store interface {
	store.RecordStore
	store.PeriodStore
	store.MatchStore
	store.DiscrepancyStore
	store.ResultStore
}

// Options configures a Processor.
type Options struct {
	// Strategies selects and orders the matching strategies by name.
	// Empty means exact, fuzzy, calculated, inferred.
	Strategies     []string
	FuzzyThreshold float64
	Committee      string
	Metrics        *monitoring.Metrics
	// Now is the clock the configuration snapshot is taken at.
	Now func() time.Time
}

// DefaultStrategies is the full cascade in order.
var DefaultStrategies = []string{
	string(model.MatchExact),
	string(model.MatchFuzzy),
	string(model.MatchCalculated),
	string(model.MatchInferred),
}

// DefaultFuzzyThreshold is the name similarity a fuzzy match must reach.
const DefaultFuzzyThreshold = 0.85

// Result is everything one Process call produced and skipped.
type Result struct {
	SessionID  string `json:"session_id"`
	PropertyID int64  `json:"property_id"`
	PeriodID   int64  `json:"period_id"`

	Stored      []model.PersistedMatch `json:"stored"`
	Outcomes    []tiering.Outcome      `json:"outcomes"`
	Evaluations []model.RuleEvaluation `json:"evaluations"`

	// Failed holds candidates that were dropped before or during persistence.
	Failed []Failure `json:"failed"`
	// TieringFailures holds stored matches whose classification or action
	// did not complete.
	TieringFailures []Failure `json:"tiering_failures"`
	// StrategyFailures holds matching strategies that errored or panicked.
	StrategyFailures []Failure `json:"strategy_failures"`
	// Warnings holds degraded steps that did not drop a candidate.
	Warnings []Failure `json:"warnings"`

	Deleted        int64         `json:"deleted"`
	Duplicates     int           `json:"duplicates"`
	ResultsSaved   int64         `json:"results_saved"`
	PriorPeriodID  *int64        `json:"prior_period_id,omitempty"`
	ConfigFallback bool          `json:"config_fallback"`
	Duration       time.Duration `json:"duration"`
}

// FailureCount is the number of entries across every failure list.
func (r *Result) FailureCount() int {
	return len(r.Failed) + len(r.TieringFailures) + len(r.StrategyFailures) + len(r.Warnings)
}

// Processor runs reconciliation sessions against one store.
type Processor struct {
	store  Store
	config store.ConfigStore
	opts   Options
}

// New creates a Processor. config supplies the rule configuration; it is
// usually the same store, or a YAML ruleset file.
func New(st Store, config store.ConfigStore, opts Options) *Processor {
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{store: st, config: config, opts: opts}
}

// Process reconciles one session. Existing matches of sessionID are replaced,
// so running it twice over unchanged inputs leaves the same match set.
//
// Per-stage problems are collected in the Result and never abort the run.
// The only error returned is context cancellation, alongside the partial
// result. The caller owns commit or rollback of whatever was written.
func (p *Processor) Process(ctx context.Context, sessionID string, propertyID, periodID int64) (*Result, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.Process", trace.WithAttributes(
		attribute.String("recon.session_id", sessionID),
		attribute.Int64("recon.property_id", propertyID),
		attribute.Int64("recon.period_id", periodID),
	))
	defer span.End()

	log := zap.L().With(
		zap.String("component", "reconcile"),
		zap.String("session_id", sessionID),
		zap.Int64("property_id", propertyID),
		zap.Int64("period_id", periodID),
	)
	log.Info("reconcile: starting session")

	res := &Result{SessionID: sessionID, PropertyID: propertyID, PeriodID: periodID}
	err := p.run(ctx, log, res)
	res.Duration = time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "aborted"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.FailureCount() > 0:
		outcome = "degraded"
	}
	p.opts.Metrics.SessionDone(outcome, res.Duration)
	span.SetAttributes(
		attribute.Int("recon.stored", len(res.Stored)),
		attribute.Int("recon.failures", res.FailureCount()),
	)

	log.Info("reconcile: session complete",
		zap.String("outcome", outcome),
		zap.Int("stored", len(res.Stored)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("tiering_failures", len(res.TieringFailures)),
		zap.Int("strategy_failures", len(res.StrategyFailures)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Duration("elapsed", res.Duration),
	)
	return res, err
}

func (p *Processor) run(ctx context.Context, log *zap.Logger, res *Result) error {
	snap := p.loadSnapshot(ctx, log, res)

	seen := p.reset(ctx, log, res)
	if err := ctx.Err(); err != nil {
		return err
	}

	scope := matching.Scope{PropertyID: res.PropertyID, PeriodID: res.PeriodID}
	scope.PriorPeriodID = p.priorPeriod(ctx, log, res)
	res.PriorPeriodID = scope.PriorPeriodID

	src := matching.NewCachedSource(p.store)
	resolver := materiality.NewResolver(snap, p.baseTotals(ctx, log, res, src))

	engine := p.buildEngine(log, src, snap, resolver)
	found := engine.FindMatches(ctx, scope)
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range found.Failures {
		p.fail(&res.StrategyFailures, Failure{Stage: StageMatching, Kind: ModuleFailure, Reason: f.Strategy + ": " + f.Reason})
	}
	evalByRule := make(map[string]model.RuleEvaluation, len(found.Evaluations))
	for _, e := range found.Evaluations {
		evalByRule[e.RuleID] = e
		if e.Status == model.EvalMissingData {
			p.fail(&res.Warnings, Failure{Stage: StageMatching, Kind: OperandMissing, Reason: e.RuleID + ": " + e.Message})
		}
	}
	res.Evaluations = found.Evaluations

	staged := p.dedup(log, res, seen, found.Candidates)

	for _, c := range staged {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, ok := p.materialize(ctx, res, c)
		if !ok {
			continue
		}
		if err := p.store.InsertMatch(ctx, m); err != nil {
			log.Warn("reconcile: match not persisted", zap.String("pair", c.Pair().String()), zap.Error(err))
			p.fail(&res.Failed, pairFailure(StagePersist, PersistenceFailure, c.Pair(), err.Error()))
			continue
		}
		p.opts.Metrics.Stored(string(m.MatchType))
		res.Stored = append(res.Stored, *m)

		if c.Method == model.MatchCalculated {
			if e, ok := evalByRule[c.RuleID]; ok {
				p.syncDiscrepancy(ctx, log, res, resolver, m, e)
			}
		}
	}

	if err := p.classify(ctx, log, res, resolver); err != nil {
		return err
	}

	p.saveResults(ctx, log, res)
	return nil
}

// loadSnapshot builds the configuration snapshot for the run. A load
// failure falls back to an empty snapshot, so every lookup uses defaults.
func (p *Processor) loadSnapshot(ctx context.Context, log *zap.Logger, res *Result) *ruleset.Snapshot {
	now := p.opts.Now()
	if p.config == nil {
		res.ConfigFallback = true
		p.fail(&res.Warnings, Failure{Stage: StageConfig, Kind: ConfigurationGap, Reason: "no configuration source"})
		return ruleset.Empty(model.Property{ID: res.PropertyID}, now)
	}
	cfg, err := p.config.LoadRuleConfig(ctx, res.PropertyID)
	if err != nil {
		log.Warn("reconcile: configuration unavailable, using defaults", zap.Error(err))
		res.ConfigFallback = true
		p.fail(&res.Warnings, Failure{Stage: StageConfig, Kind: ConfigurationGap, Reason: err.Error()})
		return ruleset.Empty(model.Property{ID: res.PropertyID}, now)
	}
	if cfg.Property.ID == 0 {
		cfg.Property.ID = res.PropertyID
	}
	return ruleset.Build(cfg, now)
}

// reset deletes the session's previous matches and returns the pairs that
// are still visible afterwards, which seed the dedup set.
func (p *Processor) reset(ctx context.Context, log *zap.Logger, res *Result) map[model.MatchPair]bool {
	seen := make(map[model.MatchPair]bool)

	n, err := p.store.DeleteSessionMatches(ctx, res.SessionID)
	if err != nil {
		log.Warn("reconcile: delete previous matches failed", zap.Error(err))
		p.fail(&res.Warnings, Failure{Stage: StageReset, Kind: PersistenceFailure, Reason: err.Error()})
	}
	res.Deleted = n

	pairs, err := p.store.ListSessionPairs(ctx, res.SessionID)
	if err != nil {
		log.Warn("reconcile: list remaining pairs failed", zap.Error(err))
		p.fail(&res.Warnings, Failure{Stage: StageReset, Kind: PersistenceFailure, Reason: err.Error()})
		return seen
	}
	for _, pair := range pairs {
		seen[pair] = true
	}
	if len(pairs) > 0 {
		log.Warn("reconcile: matches survived delete", zap.Int("pairs", len(pairs)))
	}
	return seen
}

// priorPeriod resolves the previous calendar month of the same property.
// Nil means there is none, which only disables the inferred strategy.
func (p *Processor) priorPeriod(ctx context.Context, log *zap.Logger, res *Result) *int64 {
	period, err := p.store.GetPeriod(ctx, res.PeriodID)
	if err != nil {
		p.fail(&res.Warnings, Failure{Stage: StagePriorPeriod, Kind: PersistenceFailure, Reason: err.Error()})
		return nil
	}
	if period == nil {
		p.fail(&res.Warnings, Failure{Stage: StagePriorPeriod, Kind: RecordMissing, Reason: fmt.Sprintf("period %d not found", res.PeriodID)})
		return nil
	}

	year, month := period.Prior()
	prior, err := p.store.FindPeriod(ctx, res.PropertyID, year, month)
	if err != nil {
		p.fail(&res.Warnings, Failure{Stage: StagePriorPeriod, Kind: PersistenceFailure, Reason: err.Error()})
		return nil
	}
	if prior == nil {
		log.Debug("reconcile: no prior period", zap.Int("year", year), zap.Int("month", month))
		return nil
	}
	id := prior.ID
	return &id
}

func (p *Processor) baseTotals(ctx context.Context, log *zap.Logger, res *Result, src matching.RecordSource) map[model.DocumentType]decimal.Decimal {
	var recs []model.Record
	for _, dt := range []model.DocumentType{model.DocBalanceSheet, model.DocIncomeStatement} {
		r, err := src.ListRecords(ctx, res.PropertyID, res.PeriodID, dt)
		if err != nil {
			log.Warn("reconcile: base totals unavailable", zap.String("doc_type", string(dt)), zap.Error(err))
			p.fail(&res.Warnings, Failure{Stage: StageBaseTotals, Kind: PersistenceFailure, Reason: err.Error()})
			continue
		}
		recs = append(recs, r...)
	}
	return materiality.BaseTotals(recs)
}

func (p *Processor) buildEngine(log *zap.Logger, src matching.RecordSource, snap *ruleset.Snapshot, resolver *materiality.Resolver) *matching.Engine {
	var strategies []matching.Strategy
	for _, name := range p.opts.Strategies {
		switch model.MatchType(name) {
		case model.MatchExact:
			strategies = append(strategies, matching.NewExactStrategy(src))
		case model.MatchFuzzy:
			strategies = append(strategies, matching.NewFuzzyStrategy(src, p.opts.FuzzyThreshold))
		case model.MatchCalculated:
			strategies = append(strategies, matching.NewCalculatedStrategy(src, snap))
		case model.MatchInferred:
			strategies = append(strategies, matching.NewInferredStrategy(src, resolver))
		default:
			log.Warn("reconcile: unknown strategy ignored", zap.String("strategy", name))
		}
	}
	return matching.NewEngine(strategies...)
}

// dedup drops candidates whose pair is already in seen, keeping the first
// candidate for each pair in strategy order.
func (p *Processor) dedup(log *zap.Logger, res *Result, seen map[model.MatchPair]bool, candidates []model.MatchCandidate) []model.MatchCandidate {
	staged := make([]model.MatchCandidate, 0, len(candidates))
	for _, c := range candidates {
		p.opts.Metrics.Candidate(string(c.Method))
		pair := c.Pair()
		if seen[pair] {
			log.Debug("reconcile: duplicate candidate skipped",
				zap.String("pair", pair.String()),
				zap.String("method", string(c.Method)),
			)
			res.Duplicates++
			p.opts.Metrics.Duplicate()
			continue
		}
		seen[pair] = true
		staged = append(staged, c)
	}
	return staged
}

// materialize loads both endpoints by reference and builds the match row.
func (p *Processor) materialize(ctx context.Context, res *Result, c model.MatchCandidate) (*model.PersistedMatch, bool) {
	src, ok := p.endpoint(ctx, res, c, c.Source)
	if !ok {
		return nil, false
	}
	tgt, ok := p.endpoint(ctx, res, c, c.Target)
	if !ok {
		return nil, false
	}

	return &model.PersistedMatch{
		SessionID:        res.SessionID,
		PropertyID:       res.PropertyID,
		PeriodID:         res.PeriodID,
		Source:           model.SideFromRecord(*src),
		Target:           model.SideFromRecord(*tgt),
		MatchType:        c.Method,
		Confidence:       model.ClampConfidence(c.Confidence),
		AmountDiff:       c.AmountDiff,
		Formula:          c.Formula,
		RelationshipType: c.RelationshipType,
		Status:           model.StatusPending,
	}, true
}

func (p *Processor) endpoint(ctx context.Context, res *Result, c model.MatchCandidate, ref model.RecordRef) (*model.Record, bool) {
	if !ref.DocType.Valid() {
		p.fail(&res.Failed, pairFailure(StageVerify, RecordMissing, c.Pair(), fmt.Sprintf("unknown document type for %s", ref)))
		return nil, false
	}
	rec, err := p.store.GetRecord(ctx, ref)
	if err != nil {
		p.fail(&res.Failed, pairFailure(StageVerify, PersistenceFailure, c.Pair(), err.Error()))
		return nil, false
	}
	if rec == nil {
		p.fail(&res.Failed, pairFailure(StageVerify, RecordMissing, c.Pair(), fmt.Sprintf("%s not found", ref)))
		return nil, false
	}
	return rec, true
}

// syncDiscrepancy grades the discrepancy linked to a stored calculated match
// from this run's evaluation. A failed rule raises or re-grades it; a passing
// rule removes one left by an earlier run.
func (p *Processor) syncDiscrepancy(ctx context.Context, log *zap.Logger, res *Result, resolver *materiality.Resolver, m *model.PersistedMatch, e model.RuleEvaluation) {
	if e.Status != model.EvalFail && e.Status != model.EvalPass {
		return
	}
	existing, err := p.store.FindDiscrepancy(ctx, res.SessionID, m.Pair())
	if err != nil {
		p.fail(&res.Warnings, pairFailure(StageDiscrepancy, PersistenceFailure, m.Pair(), err.Error()))
		return
	}

	if e.Status == model.EvalPass {
		if existing == nil {
			return
		}
		if err := p.store.DeleteDiscrepancy(ctx, existing.ID); err != nil {
			log.Warn("reconcile: stale discrepancy not removed", zap.String("pair", m.Pair().String()), zap.Error(err))
			p.fail(&res.Warnings, pairFailure(StageDiscrepancy, PersistenceFailure, m.Pair(), err.Error()))
		}
		return
	}

	material, details := resolver.IsMaterial(m.AmountDiff, m.Source.AccountCode, m.Source.DocType)
	severity := discrepancySeverity(material, details.RiskClass)

	if existing != nil {
		if existing.Severity == severity && existing.Description == e.Message {
			return
		}
		existing.Severity = severity
		existing.Description = e.Message
		if err := p.store.UpdateDiscrepancy(ctx, existing); err != nil {
			log.Warn("reconcile: discrepancy not re-graded", zap.String("pair", m.Pair().String()), zap.Error(err))
			p.fail(&res.Warnings, pairFailure(StageDiscrepancy, PersistenceFailure, m.Pair(), err.Error()))
		}
		return
	}

	d := &model.Discrepancy{
		SessionID:   res.SessionID,
		Pair:        m.Pair(),
		Severity:    severity,
		Description: e.Message,
	}
	if err := p.store.InsertDiscrepancy(ctx, d); err != nil {
		log.Warn("reconcile: discrepancy not recorded", zap.String("pair", m.Pair().String()), zap.Error(err))
		p.fail(&res.Warnings, pairFailure(StageDiscrepancy, PersistenceFailure, m.Pair(), err.Error()))
	}
}

// discrepancySeverity grades a failed rule by materiality and account risk.
func discrepancySeverity(material bool, risk model.RiskClass) model.Severity {
	switch {
	case material && risk == model.RiskCritical:
		return model.SeverityCritical
	case material:
		return model.SeverityHigh
	case risk == model.RiskCritical || risk == model.RiskHigh:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (p *Processor) classify(ctx context.Context, log *zap.Logger, res *Result, resolver *materiality.Resolver) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.classify")
	defer span.End()

	classifier := tiering.NewClassifier(p.store, p.store, resolver, tiering.Options{Committee: p.opts.Committee})
	for i := range res.Stored {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := &res.Stored[i]
		out, err := safeClassify(ctx, classifier, m)
		if err != nil {
			log.Error("reconcile: tiering failed", zap.Int64("match_id", m.ID), zap.Error(err))
			p.fail(&res.TieringFailures, Failure{Stage: StageTiering, Kind: ModuleFailure, MatchID: m.ID, Reason: err.Error()})
			continue
		}
		res.Outcomes = append(res.Outcomes, *out)
		p.opts.Metrics.Tiered(out.Tier.String())
		if !out.Action.OK {
			p.fail(&res.TieringFailures, Failure{Stage: StageTiering, Kind: ClassificationRace, MatchID: m.ID, Reason: out.Action.Reason})
		}
	}
	return nil
}

func safeClassify(ctx context.Context, c *tiering.Classifier, m *model.PersistedMatch) (out *tiering.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = eris.Errorf("reconcile: classifier panicked: %v", r)
		}
	}()
	return c.ClassifyAndApply(ctx, m)
}

func (p *Processor) saveResults(ctx context.Context, log *zap.Logger, res *Result) {
	if len(res.Evaluations) == 0 {
		return
	}
	n, err := p.store.SaveResults(ctx, res.Evaluations)
	if err != nil {
		log.Warn("reconcile: rule results not saved", zap.Error(err))
		p.fail(&res.Warnings, Failure{Stage: StageResults, Kind: PersistenceFailure, Reason: err.Error()})
		return
	}
	res.ResultsSaved = n
}

func (p *Processor) fail(list *[]Failure, f Failure) {
	*list = append(*list, f)
	p.opts.Metrics.Failure(string(f.Stage), string(f.Kind))
}
