package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/db"
	"github.com/sells-group/recon-engine/internal/model"
)

func pgNumeric(d decimal.Decimal) any {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func pgNullNumeric(d *decimal.Decimal) any {
	if d == nil {
		return pgtype.Numeric{}
	}
	return pgNumeric(*d)
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil || n.NaN {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func fromNullNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.Int == nil || n.NaN {
		return nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	return &d
}

func pgRecordColumns(doc model.DocumentType) string {
	return recordColumns(doc, "NULL::text", "NULL::numeric")
}

func scanPGRecord(row scannable, doc model.DocumentType) (model.Record, error) {
	var (
		r                                         model.Record
		code, name, cat, unit, tenant, loan, lndr pgtype.Text
		amount, monthly, annual, principal        pgtype.Numeric
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
	r.Amount = fromNumeric(amount)
	r.UnitNumber = unit.String
	r.TenantName = tenant.String
	r.MonthlyRent = fromNumeric(monthly)
	r.AnnualRent = fromNullNumeric(annual)
	r.LoanNumber = loan.String
	r.LenderName = lndr.String
	r.PrincipalBalance = fromNumeric(principal)
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, propertyID, periodID int64, doc model.DocumentType) ([]model.Record, error) {
	if !doc.Valid() {
		return nil, eris.Errorf("postgres: unknown document type %q", doc)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE property_id = $1 AND period_id = $2 ORDER BY id`,
		pgRecordColumns(doc), doc.Table())

	rows, err := s.pool.Query(ctx, query, propertyID, periodID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s records", doc)
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		r, err := scanPGRecord(rows, doc)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s record", doc)
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrapf(rows.Err(), "postgres: list %s records iterate", doc)
}

func (s *PostgresStore) FindRecord(ctx context.Context, propertyID, periodID int64, doc model.DocumentType, identifier string) (*model.Record, error) {
	recs, err := s.ListRecords(ctx, propertyID, periodID, doc)
	if err != nil {
		return nil, err
	}
	return findByIdentifier(recs, identifier), nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, ref model.RecordRef) (*model.Record, error) {
	if !ref.DocType.Valid() {
		return nil, eris.Errorf("postgres: unknown document type %q", ref.DocType)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pgRecordColumns(ref.DocType), ref.DocType.Table())

	r, err := scanPGRecord(s.pool.QueryRow(ctx, query, ref.ID), ref.DocType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", ref)
	}
	return &r, nil
}

func (s *PostgresStore) GetPeriod(ctx context.Context, periodID int64) (*model.Period, error) {
	var p model.Period
	err := s.pool.QueryRow(ctx,
		`SELECT id, property_id, year, month FROM periods WHERE id = $1`, periodID,
	).Scan(&p.ID, &p.PropertyID, &p.Year, &p.Month)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get period %d", periodID)
	}
	return &p, nil
}

func (s *PostgresStore) FindPeriod(ctx context.Context, propertyID int64, year, month int) (*model.Period, error) {
	var p model.Period
	err := s.pool.QueryRow(ctx,
		`SELECT id, property_id, year, month FROM periods WHERE property_id = $1 AND year = $2 AND month = $3`,
		propertyID, year, month,
	).Scan(&p.ID, &p.PropertyID, &p.Year, &p.Month)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find period %d %04d-%02d", propertyID, year, month)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProperty(ctx context.Context, p model.Property) error {
	return s.write(ctx, "upsert_property", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO properties (id, name, property_type) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, property_type = EXCLUDED.property_type`,
			p.ID, p.Name, p.PropertyType,
		)
		return eris.Wrapf(err, "postgres: upsert property %d", p.ID)
	})
}

func (s *PostgresStore) InsertPeriod(ctx context.Context, p *model.Period) error {
	return s.write(ctx, "insert_period", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`INSERT INTO periods (property_id, year, month) VALUES ($1, $2, $3)
			 ON CONFLICT (property_id, year, month) DO UPDATE SET year = EXCLUDED.year
			 RETURNING id`,
			p.PropertyID, p.Year, p.Month,
		).Scan(&p.ID)
		return eris.Wrapf(err, "postgres: insert period %s", p)
	})
}

// InsertRecords bulk-loads records with COPY, one statement per document
// table.
func (s *PostgresStore) InsertRecords(ctx context.Context, recs []model.Record) (int64, error) {
	byDoc := make(map[model.DocumentType][][]any)
	cols := make(map[model.DocumentType][]string)
	for _, r := range recs {
		if !r.DocType.Valid() {
			return 0, eris.Errorf("postgres: record %d has unknown document type %q", r.ID, r.DocType)
		}
		c, vals := recordInsert(r, pgNumeric, pgNullNumeric)
		cols[r.DocType] = c
		byDoc[r.DocType] = append(byDoc[r.DocType], vals)
	}

	var total int64
	for _, doc := range model.DocumentTypes {
		rows := byDoc[doc]
		if len(rows) == 0 {
			continue
		}
		n, err := db.CopyFrom(ctx, s.pool, doc.Table(), cols[doc], rows)
		if err != nil {
			return total, eris.Wrapf(err, "postgres: load %s records", doc)
		}
		total += n
	}
	return total, nil
}
