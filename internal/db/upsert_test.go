package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "recon.test",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "recon.test",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "recon.test",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"rule_id", "status"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_reconciliation_results"}, cols).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "reconciliation_results",
		Columns:      cols,
		ConflictKeys: []string{"rule_id"},
	}, [][]any{{"R1", "pass"}, {"R2", "fail"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_InsertError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"rule_id", "status"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_reconciliation_results"}, cols).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("constraint violated"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "reconciliation_results",
		Columns:      cols,
		ConflictKeys: []string{"rule_id"},
	}, [][]any{{"R1", "pass"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for reconciliation_results")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_UnknownConflictKey(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "reconciliation_results",
		Columns:      []string{"rule_id", "status"},
		ConflictKeys: []string{"property_id"},
	}, [][]any{{"R1", "pass"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `conflict key "property_id"`)
}

func TestBulkUpsert_RowArity(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "reconciliation_results",
		Columns:      []string{"rule_id", "status"},
		ConflictKeys: []string{"rule_id"},
	}, [][]any{{"R1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values for 2 columns")
}

func TestBulkUpsert_CollapsesToLastRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"period_id", "rule_id", "status"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_reconciliation_results"}, cols).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "reconciliation_results",
		Columns:      cols,
		ConflictKeys: []string{"period_id", "rule_id"},
	}, [][]any{{3, "R1", "fail"}, {3, "R2", "pass"}, {3, "R1", "pass"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertConfig_LastPerKey(t *testing.T) {
	cfg := UpsertConfig{Columns: []string{"period_id", "rule_id", "status"}, ConflictKeys: []string{"period_id", "rule_id"}}
	got := cfg.lastPerKey([][]any{{3, "R1", "fail"}, {4, "R1", "pass"}, {3, "R1", "pass"}})
	assert.Equal(t, [][]any{{3, "R1", "pass"}, {4, "R1", "pass"}}, got)
}

func TestUpsertConfig_SQL(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "recon.reconciliation_results",
		Columns:      []string{"rule_id", "status", "message"},
		ConflictKeys: []string{"rule_id"},
	}
	assert.Equal(t,
		`INSERT INTO "recon"."reconciliation_results" ("rule_id", "status", "message") SELECT "rule_id", "status", "message" `+
			`FROM "_tmp_upsert_recon_reconciliation_results" ON CONFLICT ("rule_id") DO UPDATE SET "status" = EXCLUDED."status", "message" = EXCLUDED."message"`,
		cfg.upsertSQL())

	cfg.UpdateCols = []string{}
	assert.True(t, strings.HasSuffix(cfg.upsertSQL(), `ON CONFLICT ("rule_id") DO NOTHING`))
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"recon.reconciliation_results", `"recon"."reconciliation_results"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"property_id", "period_id", "rule_id"})
	assert.Equal(t, `"property_id", "period_id", "rule_id"`, result)
}
