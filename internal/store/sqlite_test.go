package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func seedPeriod(t *testing.T, st *SQLiteStore, propertyID int64, year, month int) model.Period {
	t.Helper()
	p := model.Period{PropertyID: propertyID, Year: year, Month: month}
	require.NoError(t, st.InsertPeriod(context.Background(), &p))
	require.NotZero(t, p.ID)
	return p
}

// --- Records ---

func TestSQLite_InsertAndListRecords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPeriod(t, st, 7, 2024, 3)

	recs := []model.Record{
		{DocType: model.DocBalanceSheet, PropertyID: 7, PeriodID: p.ID, AccountCode: "1000", AccountName: "Cash", Category: model.CategoryAsset, Amount: dec("50000.25"), Confidence: 97.5},
		{DocType: model.DocBalanceSheet, PropertyID: 7, PeriodID: p.ID, AccountCode: "2100", AccountName: "Mortgage Payable", Category: model.CategoryLiability, Amount: dec("1200000")},
		{DocType: model.DocRentRoll, PropertyID: 7, PeriodID: p.ID, UnitNumber: "101", TenantName: "Acme Corp", MonthlyRent: dec("10000")},
		{DocType: model.DocMortgageStatement, PropertyID: 7, PeriodID: p.ID, LoanNumber: "LN-1", LenderName: "First Bank", PrincipalBalance: dec("1200000")},
	}
	n, err := st.InsertRecords(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	for _, r := range recs {
		assert.NotZero(t, r.ID)
	}

	bs, err := st.ListRecords(ctx, 7, p.ID, model.DocBalanceSheet)
	require.NoError(t, err)
	require.Len(t, bs, 2)
	assert.Equal(t, "1000", bs[0].AccountCode)
	assert.Equal(t, model.CategoryAsset, bs[0].Category)
	assert.True(t, dec("50000.25").Equal(bs[0].Amount))
	assert.InDelta(t, 97.5, bs[0].Confidence, 0.001)
	assert.Equal(t, model.DocBalanceSheet, bs[0].DocType)

	rr, err := st.ListRecords(ctx, 7, p.ID, model.DocRentRoll)
	require.NoError(t, err)
	require.Len(t, rr, 1)
	assert.Nil(t, rr[0].AnnualRent)
	assert.True(t, dec("120000").Equal(rr[0].AnnualizedRent()))

	other, err := st.ListRecords(ctx, 8, p.ID, model.DocBalanceSheet)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLite_InsertRecords_UnknownDocTypeRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.InsertRecords(ctx, []model.Record{
		{DocType: model.DocBalanceSheet, PropertyID: 1, PeriodID: 1, AccountCode: "1000"},
		{DocType: "ledger", PropertyID: 1, PeriodID: 1},
	})
	require.Error(t, err)

	bs, err := st.ListRecords(ctx, 1, 1, model.DocBalanceSheet)
	require.NoError(t, err)
	assert.Empty(t, bs)
}

func TestSQLite_GetRecord_ByRef(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	recs := []model.Record{
		{DocType: model.DocBalanceSheet, PropertyID: 1, PeriodID: 1, AccountCode: "1000", Amount: dec("5")},
		{DocType: model.DocRentRoll, PropertyID: 1, PeriodID: 1, UnitNumber: "A", MonthlyRent: dec("100"), AnnualRent: decPtr("1250")},
	}
	_, err := st.InsertRecords(ctx, recs)
	require.NoError(t, err)
	// Both tables start at id 1, so only the document type tells them apart.
	require.Equal(t, recs[0].ID, recs[1].ID)

	rr, err := st.GetRecord(ctx, model.RecordRef{DocType: model.DocRentRoll, ID: recs[1].ID})
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.Equal(t, "A", rr.UnitNumber)
	require.NotNil(t, rr.AnnualRent)
	assert.True(t, dec("1250").Equal(*rr.AnnualRent))

	missing, err := st.GetRecord(ctx, model.RecordRef{DocType: model.DocCashFlow, ID: recs[0].ID})
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = st.GetRecord(ctx, model.RecordRef{DocType: "ledger", ID: 1})
	assert.Error(t, err)
}

func TestSQLite_FindRecord_PrefersIdentifier(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.InsertRecords(ctx, []model.Record{
		{DocType: model.DocIncomeStatement, PropertyID: 1, PeriodID: 1, AccountCode: "5000", AccountName: "4000"},
		{DocType: model.DocIncomeStatement, PropertyID: 1, PeriodID: 1, AccountCode: "4000", AccountName: "Rental Income"},
	})
	require.NoError(t, err)

	r, err := st.FindRecord(ctx, 1, 1, model.DocIncomeStatement, "4000")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "Rental Income", r.AccountName)

	r, err = st.FindRecord(ctx, 1, 1, model.DocIncomeStatement, "rental income")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "4000", r.AccountCode)

	r, err = st.FindRecord(ctx, 1, 1, model.DocIncomeStatement, "9999")
	require.NoError(t, err)
	assert.Nil(t, r)
}

// --- Periods ---

func TestSQLite_Periods(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	mar := seedPeriod(t, st, 7, 2024, 3)
	again := seedPeriod(t, st, 7, 2024, 3)
	assert.Equal(t, mar.ID, again.ID)

	got, err := st.GetPeriod(ctx, mar.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, mar, *got)

	found, err := st.FindPeriod(ctx, 7, 2024, 3)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, mar.ID, found.ID)

	none, err := st.FindPeriod(ctx, 7, 2024, 2)
	require.NoError(t, err)
	assert.Nil(t, none)

	none, err = st.GetPeriod(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// --- Rule configuration ---

func TestSQLite_RuleConfig_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	propID := int64(7)
	bs := model.DocBalanceSheet
	code := "1000"
	pct := 0.5
	expiry := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := model.RuleConfig{
		Property: model.Property{ID: 7, Name: "Maple Court", PropertyType: "multifamily"},
		Materiality: []model.MaterialityConfig{
			{AbsoluteThreshold: dec("1000"), RelativeThresholdPct: 1, RiskClass: model.RiskMedium},
			{
				PropertyID: &propID, StatementType: &bs, AccountCode: &code,
				AbsoluteThreshold: dec("250.50"), RelativeThresholdPct: 0.5, RiskClass: model.RiskHigh,
				ToleranceType: model.ToleranceStrict, ToleranceAbsolute: decPtr("0.01"), TolerancePercent: &pct,
				PropertyTypeOverrides: map[string]model.ThresholdOverride{"office": {Absolute: decPtr("500")}},
				Window: model.Window{EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ExpiryDate: &expiry},
			},
		},
		RiskClasses: []model.AccountRiskClass{
			{Pattern: "1*", RiskClass: model.RiskHigh, SortOrder: 2},
			{Pattern: "1000", RiskClass: model.RiskCritical, SortOrder: 1, PropertyTypeOverrides: map[string]model.RiskClass{"retail": model.RiskLow}},
		},
		CalculatedRules: []model.CalculatedRule{
			{RuleID: "R1", Name: "Rent ties", Version: 1, Formula: "IS.4000 = RR.annual_rent", FailureTemplate: "{rule} off by {difference}"},
		},
		AutoRules: []model.AutoResolutionRule{
			{Name: "round", PatternType: model.PatternRounding, ConfidenceThreshold: 95, Priority: 10, Active: true, Parameters: map[string]any{"max_difference": 1.0}},
			{Name: "other-property", PatternType: model.PatternTiming, PropertyID: func() *int64 { v := int64(8); return &v }(), Active: true},
		},
	}
	require.NoError(t, st.SaveRuleConfig(ctx, cfg))

	got, err := st.LoadRuleConfig(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, cfg.Property, got.Property)

	require.Len(t, got.Materiality, 2)
	assert.Equal(t, model.ScopeGlobal, got.Materiality[0].Scope())
	assert.Equal(t, model.ToleranceStandard, got.Materiality[0].ToleranceType)
	acct := got.Materiality[1]
	assert.Equal(t, model.ScopeAccount, acct.Scope())
	assert.True(t, dec("250.50").Equal(acct.AbsoluteThreshold))
	require.NotNil(t, acct.ToleranceAbsolute)
	assert.True(t, dec("0.01").Equal(*acct.ToleranceAbsolute))
	require.NotNil(t, acct.ExpiryDate)
	assert.True(t, expiry.Equal(*acct.ExpiryDate))
	require.Contains(t, acct.PropertyTypeOverrides, "office")
	assert.True(t, dec("500").Equal(*acct.PropertyTypeOverrides["office"].Absolute))

	require.Len(t, got.RiskClasses, 2)
	assert.Equal(t, "1000", got.RiskClasses[0].Pattern, "ordered by sort_order")
	assert.Equal(t, model.RiskLow, got.RiskClasses[0].PropertyTypeOverrides["retail"])

	require.Len(t, got.CalculatedRules, 1)
	assert.Equal(t, "{rule} off by {difference}", got.CalculatedRules[0].FailureTemplate)
	assert.True(t, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC).Equal(got.CalculatedRules[0].EffectiveDate))

	require.Len(t, got.AutoRules, 1, "rules scoped to another property are excluded")
	assert.Equal(t, "round", got.AutoRules[0].Name)
	assert.InDelta(t, 1.0, got.AutoRules[0].Parameters["max_difference"], 0.0001)
}

func TestSQLite_RuleConfig_CalculatedRuleUpsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rule := model.CalculatedRule{RuleID: "R1", Name: "v1", Version: 1, Formula: "BS.1000 = CF.1000"}
	require.NoError(t, st.SaveRuleConfig(ctx, model.RuleConfig{CalculatedRules: []model.CalculatedRule{rule}}))
	rule.Name = "renamed"
	require.NoError(t, st.SaveRuleConfig(ctx, model.RuleConfig{CalculatedRules: []model.CalculatedRule{rule}}))

	got, err := st.LoadRuleConfig(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got.CalculatedRules, 1)
	assert.Equal(t, "renamed", got.CalculatedRules[0].Name)
}

func TestSQLite_RuleConfig_UnknownProperty(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.LoadRuleConfig(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.Property{ID: 42}, got.Property)
	assert.Empty(t, got.Materiality)
}

// --- Matches ---

func testMatch(session string, srcID, tgtID int64) *model.PersistedMatch {
	return &model.PersistedMatch{
		SessionID:  session,
		PropertyID: 7,
		PeriodID:   3,
		Source:     model.MatchSide{DocType: model.DocBalanceSheet, Table: "balance_sheet_data", RecordID: srcID, AccountCode: "1000", Amount: dec("50000"), FieldName: "amount"},
		Target:     model.MatchSide{DocType: model.DocCashFlow, Table: "cash_flow_data", RecordID: tgtID, AccountCode: "1000", Amount: dec("49999.99"), FieldName: "amount"},
		MatchType:  model.MatchExact,
		Confidence: 100,
		AmountDiff: dec("0.01"),
		Status:     model.StatusPending,
	}
}

func TestSQLite_Matches_InsertListDelete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	m1 := testMatch("s1", 1, 1)
	m2 := testMatch("s1", 2, 2)
	m2.MatchType = model.MatchCalculated
	m2.Formula = "BS.1000 = CF.1000"
	other := testMatch("s2", 1, 1)
	for _, m := range []*model.PersistedMatch{m1, m2, other} {
		require.NoError(t, st.InsertMatch(ctx, m))
		assert.NotZero(t, m.ID)
	}

	got, err := st.ListSessionMatches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, m1.ID, got[0].ID)
	assert.Nil(t, got[0].Tier)
	assert.True(t, dec("0.01").Equal(got[0].AmountDiff))
	assert.True(t, dec("49999.99").Equal(got[0].Target.Amount))
	assert.Equal(t, "BS.1000 = CF.1000", got[1].Formula)
	assert.Equal(t, model.MatchCalculated, got[1].MatchType)

	pairs, err := st.ListSessionPairs(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.MatchPair{m1.Pair(), m2.Pair()}, pairs)

	n, err := st.DeleteSessionMatches(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pairs, err = st.ListSessionPairs(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pairs)

	kept, err := st.ListSessionMatches(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestSQLite_Matches_DuplicatePairRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMatch(ctx, testMatch("s1", 1, 1)))
	err := st.InsertMatch(ctx, testMatch("s1", 1, 1))
	require.Error(t, err)
}

func TestSQLite_UpdateMatchReview(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	m := testMatch("s1", 1, 1)
	require.NoError(t, st.InsertMatch(ctx, m))
	require.NoError(t, st.UpdateMatchReview(ctx, m.ID, model.TierAutoClose, model.StatusApproved, "Auto-approved"))

	got, err := st.ListSessionMatches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Tier)
	assert.Equal(t, model.TierAutoClose, *got[0].Tier)
	assert.Equal(t, model.StatusApproved, got[0].Status)
	assert.Equal(t, "Auto-approved", got[0].ReviewNotes)

	err = st.UpdateMatchReview(ctx, 999, model.TierRoute, model.StatusPending, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match not found: 999")
}

// --- Discrepancies ---

func TestSQLite_Discrepancies(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	pair := testMatch("s1", 1, 2).Pair()
	none, err := st.FindDiscrepancy(ctx, "s1", pair)
	require.NoError(t, err)
	assert.Nil(t, none)

	d := &model.Discrepancy{SessionID: "s1", Pair: pair, Severity: model.SeverityHigh, Description: "rent off"}
	require.NoError(t, st.InsertDiscrepancy(ctx, d))
	require.NotZero(t, d.ID)

	got, err := st.FindDiscrepancy(ctx, "s1", pair)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SeverityHigh, got.Severity)
	assert.Equal(t, "rent off", got.Description)
	assert.Nil(t, got.Tier)

	require.NoError(t, st.UpdateDiscrepancyTier(ctx, d.ID, model.TierEscalate))
	got, err = st.FindDiscrepancy(ctx, "s1", pair)
	require.NoError(t, err)
	require.NotNil(t, got.Tier)
	assert.Equal(t, model.TierEscalate, *got.Tier)

	other, err := st.FindDiscrepancy(ctx, "s2", pair)
	require.NoError(t, err)
	assert.Nil(t, other, "discrepancies are session scoped")

	assert.Error(t, st.UpdateDiscrepancyTier(ctx, 999, model.TierRoute))

	got.Severity = model.SeverityCritical
	got.Description = "rent far off"
	require.NoError(t, st.UpdateDiscrepancy(ctx, got))
	regraded, err := st.FindDiscrepancy(ctx, "s1", pair)
	require.NoError(t, err)
	require.NotNil(t, regraded)
	assert.Equal(t, model.SeverityCritical, regraded.Severity)
	assert.Equal(t, "rent far off", regraded.Description)
	require.NotNil(t, regraded.Tier, "re-grading keeps the synced tier")
	assert.Equal(t, model.TierEscalate, *regraded.Tier)

	require.NoError(t, st.DeleteDiscrepancy(ctx, d.ID))
	gone, err := st.FindDiscrepancy(ctx, "s1", pair)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Error(t, st.UpdateDiscrepancy(ctx, got))
}

// --- Results ---

func TestSQLite_SaveResults_LastWriteWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := []model.RuleEvaluation{
		{PropertyID: 7, PeriodID: 3, RuleID: "R1", RuleName: "Rent", Version: 1, LeftValue: decPtr("120000"), RightValue: decPtr("100000"), Difference: dec("20000"), DiffPercent: 16.67, Status: model.EvalFail},
		{PropertyID: 7, PeriodID: 3, RuleID: "R2", Status: model.EvalMissingData, Message: "BS.9999 not found"},
	}
	n, err := st.SaveResults(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	second := []model.RuleEvaluation{
		{PropertyID: 7, PeriodID: 3, RuleID: "R1", RuleName: "Rent", Version: 2, LeftValue: decPtr("120000"), RightValue: decPtr("120000"), Status: model.EvalPass},
	}
	_, err = st.SaveResults(ctx, second)
	require.NoError(t, err)

	got, err := st.ListResults(ctx, 7, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "R1", got[0].RuleID)
	assert.Equal(t, model.EvalPass, got[0].Status)
	assert.Equal(t, 2, got[0].Version)
	assert.True(t, got[0].Difference.IsZero())
	assert.Equal(t, model.EvalMissingData, got[1].Status)
	assert.Nil(t, got[1].LeftValue)
	assert.Equal(t, "BS.9999 not found", got[1].Message)
}

func TestSQLite_SaveResults_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	n, err := st.SaveResults(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Transactions ---

func TestSQLite_InTx_RollbackDiscardsWrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx Store) error {
		require.NoError(t, tx.InsertMatch(ctx, testMatch("s1", 1, 1)))
		got, err := tx.ListSessionMatches(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, got, 1, "a transaction sees its own writes")
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := st.ListSessionMatches(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_InTx_Commit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx Store) error {
		if err := tx.InsertMatch(ctx, testMatch("s1", 1, 1)); err != nil {
			return err
		}
		// Nested calls reuse the transaction.
		return tx.InTx(ctx, func(inner Store) error {
			_, err := inner.SaveResults(ctx, []model.RuleEvaluation{{PropertyID: 7, PeriodID: 3, RuleID: "R1", Status: model.EvalPass}})
			return err
		})
	})
	require.NoError(t, err)

	got, err := st.ListSessionMatches(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	res, err := st.ListResults(ctx, 7, 3)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}
