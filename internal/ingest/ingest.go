// Package ingest decodes extracted financial records from CSV and XLSX files
// into model.Record values for loading into the record store.
package ingest

import (
	"encoding/csv"
	"io"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

// Row is one input line. Columns that do not apply to the row's document
// type are left empty. Money columns are parsed as decimals.
type Row struct {
	DocType          string              `csv:"doc_type,omitempty"`
	PropertyID       *int64              `csv:"property_id,omitempty"`
	PeriodID         *int64              `csv:"period_id,omitempty"`
	AccountCode      string              `csv:"account_code,omitempty"`
	AccountName      string              `csv:"account_name,omitempty"`
	Category         string              `csv:"category,omitempty"`
	Amount           decimal.NullDecimal `csv:"amount,omitempty"`
	Confidence       *float64            `csv:"confidence,omitempty"`
	UnitNumber       string              `csv:"unit_number,omitempty"`
	TenantName       string              `csv:"tenant_name,omitempty"`
	MonthlyRent      decimal.NullDecimal `csv:"monthly_rent,omitempty"`
	AnnualRent       decimal.NullDecimal `csv:"annual_rent,omitempty"`
	LoanNumber       string              `csv:"loan_number,omitempty"`
	LenderName       string              `csv:"lender_name,omitempty"`
	PrincipalBalance decimal.NullDecimal `csv:"principal_balance,omitempty"`
}

// Options supplies values for columns a file leaves out, typically when
// one file holds one document of one property-period.
type Options struct {
	DocType    model.DocumentType
	PropertyID int64
	PeriodID   int64
	// Sheet selects the XLSX sheet by name; empty means the first sheet.
	Sheet string
}

// ReadFile decodes path by extension: .csv or .xlsx.
func ReadFile(path string, opts Options) ([]model.Record, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := openFile(path)
		if err != nil {
			return nil, err
		}
		defer f.Close() //nolint:errcheck
		return DecodeCSV(f, opts)
	case ".xlsx":
		return DecodeXLSX(path, opts)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// DecodeCSV decodes records from a CSV stream with a header row.
func DecodeCSV(r io.Reader, opts Options) ([]model.Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	return decode(cr, opts)
}

// decode reads rows through csvutil so CSV and XLSX inputs share one mapping.
func decode(r csvutil.Reader, opts Options) ([]model.Record, error) {
	dec, err := csvutil.NewDecoder(r)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, eris.Wrap(err, "ingest: read header")
	}
	dec.Map = func(field, _ string, _ any) string {
		return strings.TrimSpace(field)
	}

	var recs []model.Record
	for line := 2; ; line++ {
		var row Row
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrapf(err, "ingest: line %d", line)
		}
		rec, err := row.Record(opts)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: line %d", line)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Record converts the row, filling missing identity columns from opts.
func (r Row) Record(opts Options) (model.Record, error) {
	rec := model.Record{
		DocType:     opts.DocType,
		PropertyID:  opts.PropertyID,
		PeriodID:    opts.PeriodID,
		AccountCode: r.AccountCode,
		AccountName: r.AccountName,
		Category:    model.AccountCategory(strings.ToLower(r.Category)),
		Amount:      r.Amount.Decimal,
		UnitNumber:  r.UnitNumber,
		TenantName:  r.TenantName,
		MonthlyRent: r.MonthlyRent.Decimal,
		LoanNumber:  r.LoanNumber,
		LenderName:  r.LenderName,

		PrincipalBalance: r.PrincipalBalance.Decimal,
	}
	if r.DocType != "" {
		dt, err := model.ParseDocumentType(r.DocType)
		if err != nil {
			return rec, err
		}
		rec.DocType = dt
	}
	if r.PropertyID != nil {
		rec.PropertyID = *r.PropertyID
	}
	if r.PeriodID != nil {
		rec.PeriodID = *r.PeriodID
	}
	if r.Confidence != nil {
		rec.Confidence = *r.Confidence
	}
	if r.AnnualRent.Valid {
		d := r.AnnualRent.Decimal
		rec.AnnualRent = &d
	}

	switch {
	case !rec.DocType.Valid():
		return rec, eris.New("missing or unknown doc_type")
	case rec.PropertyID == 0:
		return rec, eris.New("missing property_id")
	case rec.PeriodID == 0:
		return rec, eris.New("missing period_id")
	case rec.Identifier() == "" && rec.DisplayName() == "":
		return rec, eris.Errorf("%s row has no identifier or name", rec.DocType)
	}
	return rec, nil
}
