package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/monitoring"
	"github.com/sells-group/recon-engine/internal/reconcile"
	"github.com/sells-group/recon-engine/internal/resilience"
	"github.com/sells-group/recon-engine/internal/ruleset"
	"github.com/sells-group/recon-engine/internal/store"
)

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	retry := resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs)
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "recon.db"
		}
		s, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		s.SetRetry(retry)
		return s, nil
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		}, retry)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// env bundles what a reconciliation command needs.
type env struct {
	Store   store.Store
	Rules   *ruleset.File
	Metrics *monitoring.Metrics
	Alerter *monitoring.Alerter
	Options reconcile.Options
}

// initEnv opens the store and, when rulesetPath is set, loads the ruleset
// file that replaces the configuration tables.
func initEnv(ctx context.Context, c *config.Config, rulesetPath string) (*env, error) {
	var rules *ruleset.File
	if rulesetPath != "" {
		f, err := ruleset.LoadFile(rulesetPath)
		if err != nil {
			return nil, err
		}
		rules = f
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	metrics := monitoring.NewMetrics()
	return &env{
		Store:   st,
		Rules:   rules,
		Metrics: metrics,
		Alerter: monitoring.NewAlerter(c.Monitoring),
		Options: reconcile.Options{
			Strategies:     c.Reconcile.Strategies,
			FuzzyThreshold: c.Reconcile.FuzzyThreshold,
			Committee:      c.Tiering.Committee,
			Metrics:        metrics,
		},
	}, nil
}

// Close writes the metrics textfile, if configured, and closes the store.
func (e *env) Close(metricsPath string) {
	if err := e.Metrics.WriteTextfile(metricsPath); err != nil {
		zap.L().Warn("write metrics textfile", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// sessionReport is the document printed for one processed session.
type sessionReport struct {
	Result  *reconcile.Result          `json:"result"`
	Summary *monitoring.SessionSummary `json:"summary,omitempty"`
	Alerts  []monitoring.Alert         `json:"alerts,omitempty"`
	DryRun  bool                       `json:"dry_run"`
}

// Degraded reports whether the session recorded any failure.
func (r *sessionReport) Degraded() bool {
	return r.Result != nil && r.Result.FailureCount() > 0
}

var errDryRun = errors.New("dry run")

// runSession processes one session inside a single transaction. The
// transaction commits when processing succeeds; a dry run or any error
// rolls it back, leaving the previous match set in place.
func (e *env) runSession(ctx context.Context, sessionID string, propertyID, periodID int64, dryRun bool) (*sessionReport, error) {
	rep := &sessionReport{DryRun: dryRun}

	body := func(st store.Store) error {
		var rules store.ConfigStore = st
		if e.Rules != nil {
			rules = e.Rules
		}
		res, err := reconcile.New(st, rules, e.Options).Process(ctx, sessionID, propertyID, periodID)
		rep.Result = res
		if err != nil {
			return err
		}

		summary, err := monitoring.NewCollector(st).Collect(ctx, sessionID)
		if err != nil {
			zap.L().Warn("collect session summary", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			summary.Failures = res.FailureCount()
			rep.Summary = summary
			rep.Alerts = e.Alerter.Evaluate(summary)
			e.Alerter.Emit(rep.Alerts)
		}

		if dryRun {
			return errDryRun
		}
		return nil
	}

	if err := e.Store.InTx(ctx, body); err != nil && !errors.Is(err, errDryRun) {
		return rep, err
	}
	return rep, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
