package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a keyed bulk write into Table.
type UpsertConfig struct {
	Table        string   // may be schema-qualified, e.g. "recon.reconciliation_results"
	Columns      []string // column order of every row
	ConflictKeys []string // unique key; each must appear in Columns
	UpdateCols   []string // nil updates every non-key column
}

func (c UpsertConfig) validate() error {
	if len(c.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(c.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	for _, k := range c.ConflictKeys {
		if !slices.Contains(c.Columns, k) {
			return eris.Errorf("db: upsert: conflict key %q is not a column of %s", k, c.Table)
		}
	}
	return nil
}

func (c UpsertConfig) updateColumns() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	var cols []string
	for _, col := range c.Columns {
		if !slices.Contains(c.ConflictKeys, col) {
			cols = append(cols, col)
		}
	}
	return cols
}

// stagingTable names the temp table rows are copied into.
func (c UpsertConfig) stagingTable() string {
	return "_tmp_upsert_" + strings.ReplaceAll(c.Table, ".", "_")
}

// upsertSQL moves the staged rows into the target table. With no update
// columns conflicting rows are left as they are.
func (c UpsertConfig) upsertSQL() string {
	cols := quoteAndJoin(c.Columns)
	action := "DO NOTHING"
	if upd := c.updateColumns(); len(upd) > 0 {
		set := make([]string, len(upd))
		for i, col := range upd {
			q := pgx.Identifier{col}.Sanitize()
			set[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(c.Table), cols, cols,
		pgx.Identifier{c.stagingTable()}.Sanitize(),
		quoteAndJoin(c.ConflictKeys), action,
	)
}

// lastPerKey keeps the last row for each conflict key, in first-seen key
// order. Postgres refuses to update one target row twice in a statement,
// and the result sink wants last-write-wins anyway.
func (c UpsertConfig) lastPerKey(rows [][]any) [][]any {
	idx := make([]int, len(c.ConflictKeys))
	for i, k := range c.ConflictKeys {
		idx[i] = slices.Index(c.Columns, k)
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		var key strings.Builder
		for _, i := range idx {
			fmt.Fprintf(&key, "%v\x1f", r[i])
		}
		if p, ok := pos[key.String()]; ok {
			out[p] = r
			continue
		}
		pos[key.String()] = len(out)
		out = append(out, r)
	}
	return out
}

// BulkUpsert writes rows through a temp staging table:
//  1. CREATE TEMP TABLE ... (LIKE target)
//  2. COPY the rows into it
//  3. INSERT INTO target SELECT ... ON CONFLICT (keys) DO UPDATE
//  4. DROP the staging table
//
// Rows repeating a conflict key collapse to the last one. When pool is a
// transaction the work runs in a savepoint, so ON COMMIT DROP would wait for
// the outer commit; the staging table is dropped explicitly instead.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	for i, r := range rows {
		if len(r) != len(cfg.Columns) {
			return 0, eris.Errorf("db: upsert into %s: row %d has %d values for %d columns", cfg.Table, i, len(r), len(cfg.Columns))
		}
	}
	rows = cfg.lastPerKey(rows)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	staging := pgx.Identifier{cfg.stagingTable()}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), sanitizeTable(cfg.Table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into staging table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, cfg.upsertSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+staging.Sanitize()); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: drop staging table for %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
