package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/recon-engine/internal/model"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "records.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestDecodeCSV_MixedDocuments(t *testing.T) {
	in := `doc_type,property_id,period_id,account_code,account_name,category,amount,unit_number,tenant_name,monthly_rent,annual_rent,loan_number,lender_name,principal_balance
BS,7,3,1000,Cash,Asset,50000.25,,,,,,,
rent_roll,7,3,,,,,101,Acme Corp,10000,,,,
RR,7,3,,,,,102,Beta LLC,500,6500,,,
MS,7,3,,,,,,,,,LN-1,First Bank,1200000
`
	recs, err := DecodeCSV(strings.NewReader(in), Options{})
	require.NoError(t, err)
	require.Len(t, recs, 4)

	bs := recs[0]
	assert.Equal(t, model.DocBalanceSheet, bs.DocType)
	assert.Equal(t, int64(7), bs.PropertyID)
	assert.Equal(t, int64(3), bs.PeriodID)
	assert.Equal(t, model.CategoryAsset, bs.Category)
	assert.True(t, decimal.RequireFromString("50000.25").Equal(bs.Amount))

	assert.Equal(t, model.DocRentRoll, recs[1].DocType)
	assert.Nil(t, recs[1].AnnualRent)
	assert.True(t, decimal.NewFromInt(120000).Equal(recs[1].AnnualizedRent()))
	require.NotNil(t, recs[2].AnnualRent)
	assert.True(t, decimal.NewFromInt(6500).Equal(*recs[2].AnnualRent))

	assert.Equal(t, "LN-1", recs[3].LoanNumber)
	assert.True(t, decimal.NewFromInt(1200000).Equal(recs[3].PrincipalBalance))
}

func TestDecodeCSV_DefaultsFromOptions(t *testing.T) {
	in := "account_code,account_name,amount\n4000,Rental Income,120000\n"
	recs, err := DecodeCSV(strings.NewReader(in), Options{DocType: model.DocIncomeStatement, PropertyID: 9, PeriodID: 4})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.DocIncomeStatement, recs[0].DocType)
	assert.Equal(t, int64(9), recs[0].PropertyID)
	assert.Equal(t, int64(4), recs[0].PeriodID)
}

func TestDecodeCSV_RowOverridesOptions(t *testing.T) {
	in := "doc_type,property_id,period_id,account_code\nCF,2,5,1000\n"
	recs, err := DecodeCSV(strings.NewReader(in), Options{DocType: model.DocBalanceSheet, PropertyID: 9, PeriodID: 4})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.DocCashFlow, recs[0].DocType)
	assert.Equal(t, int64(2), recs[0].PropertyID)
	assert.Equal(t, int64(5), recs[0].PeriodID)
}

func TestDecodeCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts Options
		want string
	}{
		{"unknown doc type", "doc_type,property_id,period_id,account_code\nGL,1,1,1000\n", Options{}, "line 2"},
		{"missing doc type", "property_id,period_id,account_code\n1,1,1000\n", Options{}, "doc_type"},
		{"missing property", "doc_type,period_id,account_code\nBS,1,1000\n", Options{}, "property_id"},
		{"missing period", "doc_type,property_id,account_code\nBS,1,1000\n", Options{}, "period_id"},
		{"no identifier", "doc_type,property_id,period_id,amount\nBS,1,1,5\n", Options{}, "no identifier"},
		{"bad amount", "doc_type,property_id,period_id,account_code,amount\nBS,1,1,1000,abc\n", Options{}, "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCSV(strings.NewReader(tt.in), tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodeCSV_Empty(t *testing.T) {
	recs, err := DecodeCSV(strings.NewReader(""), Options{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDecodeXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"doc_type", "property_id", "period_id", "account_code", "account_name", "amount"},
			{"IS", "7", "3", "4000", "Rental Income", "120000"},
			{"", "", "", "", "", ""},
			{"IS", "7", "3", "5000"},
		},
	})

	recs, err := DecodeXLSX(path, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Rental Income", recs[0].AccountName)
	assert.True(t, decimal.NewFromInt(120000).Equal(recs[0].Amount))
	assert.Equal(t, "5000", recs[1].AccountCode)
	assert.True(t, recs[1].Amount.IsZero())
}

func TestDecodeXLSX_SheetName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Notes":   {{"free text"}},
		"Records": {{"account_code", "amount"}, {"2100", "5"}},
	})

	recs, err := DecodeXLSX(path, Options{Sheet: "Records", DocType: model.DocBalanceSheet, PropertyID: 1, PeriodID: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2100", recs[0].AccountCode)

	_, err = DecodeXLSX(path, Options{Sheet: "Missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Missing" not found`)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bs.CSV")
	require.NoError(t, os.WriteFile(csvPath, []byte("account_code,amount\n1000,5\n"), 0o600))

	recs, err := ReadFile(csvPath, Options{DocType: model.DocBalanceSheet, PropertyID: 1, PeriodID: 1})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = ReadFile(filepath.Join(dir, "bs.json"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")

	_, err = ReadFile(filepath.Join(dir, "missing.csv"), Options{})
	assert.Error(t, err)
}
