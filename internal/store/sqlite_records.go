package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

func sqlNum(d decimal.Decimal) any {
	return d.String()
}

func sqlNullNum(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullDecimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func scanSQLiteRecord(row scannable, doc model.DocumentType) (model.Record, error) {
	var (
		r                                         model.Record
		code, name, cat, unit, tenant, loan, lndr sql.NullString
		amount, monthly, annual, principal        decimal.NullDecimal
	)
	err := row.Scan(&r.ID, &r.PropertyID, &r.PeriodID,
		&code, &name, &cat, &amount, &r.Confidence,
		&unit, &tenant, &monthly, &annual,
		&loan, &lndr, &principal,
	)
	if err != nil {
		return r, err
	}
	r.DocType = doc
	r.AccountCode = code.String
	r.AccountName = name.String
	r.Category = model.AccountCategory(cat.String)
	r.Amount = amount.Decimal
	r.UnitNumber = unit.String
	r.TenantName = tenant.String
	r.MonthlyRent = monthly.Decimal
	r.AnnualRent = nullDecimalPtr(annual)
	r.LoanNumber = loan.String
	r.LenderName = lndr.String
	r.PrincipalBalance = principal.Decimal
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, propertyID, periodID int64, doc model.DocumentType) ([]model.Record, error) {
	if !doc.Valid() {
		return nil, eris.Errorf("sqlite: unknown document type %q", doc)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE property_id = ? AND period_id = ? ORDER BY id`,
		recordColumns(doc, "NULL", "NULL"), doc.Table())

	rows, err := s.q.QueryContext(ctx, query, propertyID, periodID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s records", doc)
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows, doc)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s record", doc)
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrapf(rows.Err(), "sqlite: list %s records iterate", doc)
}

func (s *SQLiteStore) FindRecord(ctx context.Context, propertyID, periodID int64, doc model.DocumentType, identifier string) (*model.Record, error) {
	recs, err := s.ListRecords(ctx, propertyID, periodID, doc)
	if err != nil {
		return nil, err
	}
	return findByIdentifier(recs, identifier), nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, ref model.RecordRef) (*model.Record, error) {
	if !ref.DocType.Valid() {
		return nil, eris.Errorf("sqlite: unknown document type %q", ref.DocType)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns(ref.DocType, "NULL", "NULL"), ref.DocType.Table())

	r, err := scanSQLiteRecord(s.q.QueryRowContext(ctx, query, ref.ID), ref.DocType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", ref)
	}
	return &r, nil
}

func (s *SQLiteStore) GetPeriod(ctx context.Context, periodID int64) (*model.Period, error) {
	var p model.Period
	err := s.q.QueryRowContext(ctx,
		`SELECT id, property_id, year, month FROM periods WHERE id = ?`, periodID,
	).Scan(&p.ID, &p.PropertyID, &p.Year, &p.Month)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get period %d", periodID)
	}
	return &p, nil
}

func (s *SQLiteStore) FindPeriod(ctx context.Context, propertyID int64, year, month int) (*model.Period, error) {
	var p model.Period
	err := s.q.QueryRowContext(ctx,
		`SELECT id, property_id, year, month FROM periods WHERE property_id = ? AND year = ? AND month = ?`,
		propertyID, year, month,
	).Scan(&p.ID, &p.PropertyID, &p.Year, &p.Month)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find period %d %04d-%02d", propertyID, year, month)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertProperty(ctx context.Context, p model.Property) error {
	return s.write(ctx, "upsert_property", func(ctx context.Context) error {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO properties (id, name, property_type) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, property_type = excluded.property_type`,
			p.ID, p.Name, p.PropertyType,
		)
		return eris.Wrapf(err, "sqlite: upsert property %d", p.ID)
	})
}

func (s *SQLiteStore) InsertPeriod(ctx context.Context, p *model.Period) error {
	return s.write(ctx, "insert_period", func(ctx context.Context) error {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO periods (property_id, year, month) VALUES (?, ?, ?)
			 ON CONFLICT (property_id, year, month) DO NOTHING`,
			p.PropertyID, p.Year, p.Month,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert period %s", p)
		}
		err = s.q.QueryRowContext(ctx,
			`SELECT id FROM periods WHERE property_id = ? AND year = ? AND month = ?`,
			p.PropertyID, p.Year, p.Month,
		).Scan(&p.ID)
		return eris.Wrapf(err, "sqlite: read period id %s", p)
	})
}

// InsertRecords inserts records into their document tables in one
// transaction and sets each record's ID.
func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.Record) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(q sqlQuerier) error {
		n = 0
		for i := range recs {
			r := &recs[i]
			if !r.DocType.Valid() {
				return eris.Errorf("sqlite: record has unknown document type %q", r.DocType)
			}
			cols, vals := recordInsert(*r, sqlNum, sqlNullNum)
			query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
				r.DocType.Table(), strings.Join(cols, ", "), placeholders(len(cols)))
			res, err := q.ExecContext(ctx, query, vals...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert %s record", r.DocType)
			}
			if r.ID, err = res.LastInsertId(); err != nil {
				return eris.Wrap(err, "sqlite: last insert id")
			}
			n++
		}
		return nil
	})
	return n, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
