package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/recon-engine/internal/resilience"
)

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite. Money columns are
// stored as TEXT so decimal values round-trip exactly.
type SQLiteStore struct {
	db    *sql.DB
	q     sqlQuerier
	tx    *sql.Tx
	retry resilience.RetryConfig
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: SQLite has a single writer and a transaction must see
	// its own writes.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db, retry: resilience.DefaultRetryConfig()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS properties (
	id            INTEGER PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	property_type TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS periods (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id INTEGER NOT NULL,
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
	UNIQUE (property_id, year, month)
);

CREATE TABLE IF NOT EXISTS balance_sheet_data (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id  INTEGER NOT NULL,
	period_id    INTEGER NOT NULL,
	account_code TEXT NOT NULL DEFAULT '',
	account_name TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	amount       TEXT NOT NULL DEFAULT '0',
	confidence   REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS income_statement_data (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id  INTEGER NOT NULL,
	period_id    INTEGER NOT NULL,
	account_code TEXT NOT NULL DEFAULT '',
	account_name TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	amount       TEXT NOT NULL DEFAULT '0',
	confidence   REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cash_flow_data (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id  INTEGER NOT NULL,
	period_id    INTEGER NOT NULL,
	account_code TEXT NOT NULL DEFAULT '',
	account_name TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	amount       TEXT NOT NULL DEFAULT '0',
	confidence   REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rent_roll_data (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id  INTEGER NOT NULL,
	period_id    INTEGER NOT NULL,
	unit_number  TEXT NOT NULL DEFAULT '',
	tenant_name  TEXT NOT NULL DEFAULT '',
	monthly_rent TEXT NOT NULL DEFAULT '0',
	annual_rent  TEXT,
	confidence   REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS mortgage_statement_data (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id       INTEGER NOT NULL,
	period_id         INTEGER NOT NULL,
	loan_number       TEXT NOT NULL DEFAULT '',
	lender_name       TEXT NOT NULL DEFAULT '',
	principal_balance TEXT NOT NULL DEFAULT '0',
	confidence        REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_bs_property_period ON balance_sheet_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_is_property_period ON income_statement_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_cf_property_period ON cash_flow_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_rr_property_period ON rent_roll_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_ms_property_period ON mortgage_statement_data(property_id, period_id);

CREATE TABLE IF NOT EXISTS materiality_config (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id             INTEGER,
	statement_type          TEXT,
	account_code            TEXT,
	absolute_threshold      TEXT NOT NULL,
	relative_threshold_pct  REAL NOT NULL,
	risk_class              TEXT NOT NULL DEFAULT 'medium',
	tolerance_type          TEXT NOT NULL DEFAULT 'standard',
	tolerance_absolute      TEXT,
	tolerance_percent       REAL,
	property_type_overrides TEXT,
	effective_date          TEXT NOT NULL DEFAULT (date('now')),
	expiry_date             TEXT
);

CREATE TABLE IF NOT EXISTS account_risk_classes (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern                 TEXT NOT NULL,
	risk_class              TEXT NOT NULL,
	property_type_overrides TEXT,
	sort_order              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS calculated_rules (
	rule_id            TEXT NOT NULL,
	version            INTEGER NOT NULL DEFAULT 1,
	name               TEXT NOT NULL,
	formula            TEXT NOT NULL,
	tolerance_absolute TEXT,
	tolerance_percent  REAL,
	failure_template   TEXT,
	effective_date     TEXT NOT NULL DEFAULT (date('now')),
	expiry_date        TEXT,
	PRIMARY KEY (rule_id, version)
);

CREATE TABLE IF NOT EXISTS auto_resolution_rules (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	name                 TEXT NOT NULL,
	pattern_type         TEXT NOT NULL,
	property_id          INTEGER,
	statement_type       TEXT,
	confidence_threshold REAL NOT NULL DEFAULT 0,
	priority             INTEGER NOT NULL DEFAULT 0,
	parameters           TEXT,
	active               INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS reconciliation_matches (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id           TEXT NOT NULL,
	property_id          INTEGER NOT NULL,
	period_id            INTEGER NOT NULL,
	source_doc_type      TEXT NOT NULL,
	source_table         TEXT NOT NULL,
	source_record_id     INTEGER NOT NULL,
	source_account_code  TEXT NOT NULL DEFAULT '',
	source_account_name  TEXT NOT NULL DEFAULT '',
	source_amount        TEXT NOT NULL DEFAULT '0',
	source_field         TEXT NOT NULL DEFAULT '',
	target_doc_type      TEXT NOT NULL,
	target_table         TEXT NOT NULL,
	target_record_id     INTEGER NOT NULL,
	target_account_code  TEXT NOT NULL DEFAULT '',
	target_account_name  TEXT NOT NULL DEFAULT '',
	target_amount        TEXT NOT NULL DEFAULT '0',
	target_field         TEXT NOT NULL DEFAULT '',
	match_type           TEXT NOT NULL,
	confidence           REAL NOT NULL,
	amount_difference    TEXT NOT NULL DEFAULT '0',
	relationship_formula TEXT,
	relationship_type    TEXT,
	tier                 INTEGER,
	status               TEXT NOT NULL DEFAULT 'pending',
	review_notes         TEXT,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (session_id, source_doc_type, source_record_id, target_doc_type, target_record_id)
);

CREATE INDEX IF NOT EXISTS idx_matches_session ON reconciliation_matches(session_id);

CREATE TABLE IF NOT EXISTS discrepancies (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT NOT NULL,
	source_doc_type  TEXT NOT NULL,
	source_record_id INTEGER NOT NULL,
	target_doc_type  TEXT NOT NULL,
	target_record_id INTEGER NOT NULL,
	severity         TEXT NOT NULL,
	description      TEXT,
	tier             INTEGER,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_discrepancies_pair ON discrepancies(session_id, source_doc_type, source_record_id, target_doc_type, target_record_id);

CREATE TABLE IF NOT EXISTS reconciliation_results (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id        INTEGER NOT NULL,
	period_id          INTEGER NOT NULL,
	rule_id            TEXT NOT NULL,
	rule_name          TEXT NOT NULL DEFAULT '',
	version            INTEGER NOT NULL DEFAULT 1,
	formula            TEXT NOT NULL DEFAULT '',
	left_value         TEXT,
	right_value        TEXT,
	difference         TEXT NOT NULL DEFAULT '0',
	difference_percent REAL NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	message            TEXT NOT NULL DEFAULT '',
	evaluated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (property_id, period_id, rule_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside one transaction. A nested call reuses the open
// transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(&SQLiteStore{db: s.db, q: tx, tx: tx, retry: s.retry}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// write retries busy errors outside a transaction. A failed statement does
// not abort a SQLite transaction, so rows inside one need no savepoint.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.tx != nil {
		return fn(ctx)
	}
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("sqlite", op)
	return resilience.Do(ctx, cfg, fn)
}

// withTx runs fn in the open transaction or in a new short one.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(q sqlQuerier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

// SetRetry replaces the retry policy used for writes outside a transaction.
func (s *SQLiteStore) SetRetry(cfg resilience.RetryConfig) {
	s.retry = cfg
}
