package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/monitoring"
	"github.com/sells-group/recon-engine/internal/reconcile"
	"github.com/sells-group/recon-engine/internal/ruleset"
	"github.com/sells-group/recon-engine/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "recon.db")},
		Reconcile: config.ReconcileConfig{Strategies: config.KnownStrategies, FuzzyThreshold: 0.85},
		Retry:     config.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 2},
	}
}

// seedEnv opens a migrated SQLite env holding one property with a cash
// balance reported identically on the balance sheet and the cash flow.
func seedEnv(t *testing.T) (*env, int64) {
	t.Helper()
	ctx := context.Background()

	e, err := initEnv(ctx, testConfig(t), "")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close("") })
	require.NoError(t, e.Store.Migrate(ctx))

	require.NoError(t, e.Store.UpsertProperty(ctx, model.Property{ID: 1, Name: "Oak Plaza", PropertyType: "office"}))
	p := &model.Period{PropertyID: 1, Year: 2024, Month: 3}
	require.NoError(t, e.Store.InsertPeriod(ctx, p))

	_, err = e.Store.InsertRecords(ctx, []model.Record{
		{DocType: model.DocBalanceSheet, PropertyID: 1, PeriodID: p.ID, AccountCode: "1000", AccountName: "Cash", Category: model.CategoryAsset, Amount: decimal.RequireFromString("500.00"), Confidence: 99},
		{DocType: model.DocCashFlow, PropertyID: 1, PeriodID: p.ID, AccountCode: "1000", AccountName: "Cash", Category: model.CategoryOperating, Amount: decimal.RequireFromString("500.00"), Confidence: 99},
	})
	require.NoError(t, err)
	return e, p.ID
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "oracle"
	_, err := initStore(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_BadRuleset(t *testing.T) {
	_, err := initEnv(context.Background(), testConfig(t), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunSession_Persists(t *testing.T) {
	ctx := context.Background()
	e, periodID := seedEnv(t)

	rep, err := e.runSession(ctx, "s-1", 1, periodID, false)
	require.NoError(t, err)
	require.NotNil(t, rep.Result)
	require.Len(t, rep.Result.Stored, 1)
	assert.Equal(t, model.MatchExact, rep.Result.Stored[0].MatchType)
	assert.False(t, rep.DryRun)

	require.NotNil(t, rep.Summary)
	assert.Equal(t, 1, rep.Summary.Total)

	stored, err := e.Store.ListSessionMatches(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunSession_Rerun(t *testing.T) {
	ctx := context.Background()
	e, periodID := seedEnv(t)

	_, err := e.runSession(ctx, "s-1", 1, periodID, false)
	require.NoError(t, err)
	rep, err := e.runSession(ctx, "s-1", 1, periodID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Result.Deleted)

	stored, err := e.Store.ListSessionMatches(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunSession_DryRunRollsBack(t *testing.T) {
	ctx := context.Background()
	e, periodID := seedEnv(t)

	rep, err := e.runSession(ctx, "s-dry", 1, periodID, true)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Len(t, rep.Result.Stored, 1)

	stored, err := e.Store.ListSessionMatches(ctx, "s-dry")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRunSession_RulesetFile(t *testing.T) {
	ctx := context.Background()
	e, periodID := seedEnv(t)

	rules, err := ruleset.ParseFile([]byte(`
properties:
  - id: 1
    property_type: office
risk_classes:
  - pattern: "1*"
    risk_class: critical
`))
	require.NoError(t, err)
	e.Rules = rules

	rep, err := e.runSession(ctx, "s-rules", 1, periodID, false)
	require.NoError(t, err)
	require.Len(t, rep.Result.Outcomes, 1)
	assert.False(t, rep.Result.ConfigFallback)
}

func TestRunSession_Alerts(t *testing.T) {
	ctx := context.Background()
	e, periodID := seedEnv(t)
	e.Alerter = monitoring.NewAlerter(config.MonitoringConfig{MaxFailures: 1})
	rules, err := ruleset.ParseFile([]byte(`
calculated_rules:
  - rule_id: BS_IS_CASH
    formula: "BS.1000 = IS.1000"
`))
	require.NoError(t, err)
	e.Rules = rules

	// A missing period and an unresolved operand degrade the session
	// without failing it.
	rep, err := e.runSession(ctx, "s-missing", 1, periodID+100, false)
	require.NoError(t, err)
	assert.Greater(t, rep.Result.FailureCount(), 1)
	assert.True(t, rep.Degraded())
	assert.NotEmpty(t, rep.Alerts)
}

func TestRunSession_TierOneIsRecorded(t *testing.T) {
	ctx := context.Background()
	e, periodID := seedEnv(t)
	e.Alerter = monitoring.NewAlerter(config.MonitoringConfig{})

	annual := decimal.RequireFromString("1000.50")
	_, err := e.Store.InsertRecords(ctx, []model.Record{
		{DocType: model.DocIncomeStatement, PropertyID: 1, PeriodID: periodID, AccountCode: "4000", AccountName: "Rental Income", Category: model.CategoryRevenue, Amount: decimal.RequireFromString("1000.00"), Confidence: 99},
		{DocType: model.DocRentRoll, PropertyID: 1, PeriodID: periodID, UnitNumber: "101", TenantName: "Acme Corp", MonthlyRent: decimal.RequireFromString("83.375"), AnnualRent: &annual, Confidence: 99},
	})
	require.NoError(t, err)

	rules, err := ruleset.ParseFile([]byte(`
calculated_rules:
  - rule_id: IS_RR_RENT
    formula: "IS.4000 = RR.annual_rent"
`))
	require.NoError(t, err)
	e.Rules = rules

	rep, err := e.runSession(ctx, "s-t1", 1, periodID, false)
	require.NoError(t, err)

	tierOne := 0
	for _, o := range rep.Result.Outcomes {
		if o.Tier == model.TierAutoSuggest {
			tierOne++
		}
	}
	require.Equal(t, 1, tierOne)

	require.NotNil(t, rep.Summary)
	assert.Equal(t, 0, rep.Summary.Untiered)
	assert.Equal(t, 1, rep.Summary.ByTier[model.TierAutoSuggest.String()])
	for _, a := range rep.Alerts {
		assert.NotEqual(t, monitoring.AlertUntiered, a.Type)
	}
}

func TestRunSession_Cancelled(t *testing.T) {
	e, periodID := seedEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.runSession(ctx, "s-cancel", 1, periodID, false)
	assert.Error(t, err)
}

// cancelAfterDelete cancels the run once the session's matches are deleted.
type cancelAfterDelete struct {
	store.Store
	cancel context.CancelFunc
}

func (c *cancelAfterDelete) InTx(ctx context.Context, fn func(store.Store) error) error {
	return c.Store.InTx(ctx, func(tx store.Store) error {
		return fn(&cancelAfterDelete{Store: tx, cancel: c.cancel})
	})
}

func (c *cancelAfterDelete) DeleteSessionMatches(ctx context.Context, sessionID string) (int64, error) {
	n, err := c.Store.DeleteSessionMatches(ctx, sessionID)
	c.cancel()
	return n, err
}

func TestRunSession_AbortedRerunKeepsPriorMatches(t *testing.T) {
	e, periodID := seedEnv(t)
	_, err := e.runSession(context.Background(), "s-1", 1, periodID, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := e.Store
	e.Store = &cancelAfterDelete{Store: base, cancel: cancel}

	_, err = e.runSession(ctx, "s-1", 1, periodID, false)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := base.ListSessionMatches(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPreparePeriod(t *testing.T) {
	ctx := context.Background()
	e, periodID := seedEnv(t)

	t.Cleanup(func() {
		importYear, importMonth, importPropertyType, importPropertyName = 0, 0, "", ""
	})

	got, err := preparePeriod(ctx, e.Store, 1, periodID)
	require.NoError(t, err)
	assert.Equal(t, periodID, got, "explicit period wins")

	importYear, importMonth = 2024, 3
	got, err = preparePeriod(ctx, e.Store, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, periodID, got, "existing period is found")

	importYear, importMonth = 2024, 4
	importPropertyType, importPropertyName = "office", "Oak Plaza"
	got, err = preparePeriod(ctx, e.Store, 1, 0)
	require.NoError(t, err)
	assert.NotEqual(t, periodID, got)

	p, err := e.Store.GetPeriod(ctx, got)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 4, p.Month)

	_, err = preparePeriod(ctx, e.Store, 0, 0)
	assert.Error(t, err)
}

func TestEnvClose_WritesMetrics(t *testing.T) {
	e, periodID := seedEnv(t)
	_, err := e.runSession(context.Background(), "s-metrics", 1, periodID, false)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "recon.prom")
	require.NoError(t, e.Metrics.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sessions_total")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, &sessionReport{Result: &reconcile.Result{SessionID: "s-1"}}))
	assert.Contains(t, buf.String(), `"session_id": "s-1"`)
	assert.Contains(t, buf.String(), `"dry_run": false`)
}

var _ store.ConfigStore = (*ruleset.File)(nil)
