package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/db"
	"github.com/sells-group/recon-engine/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	inTx    bool
	retry   resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, retry resilience.RetryConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: retry}, nil
}

// NewPostgresFromPool wraps an existing pool or transaction.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, retry: resilience.DefaultRetryConfig()}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS properties (
	id            BIGINT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	property_type TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS periods (
	id          BIGSERIAL PRIMARY KEY,
	property_id BIGINT NOT NULL,
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
	UNIQUE (property_id, year, month)
);

CREATE TABLE IF NOT EXISTS balance_sheet_data (
	id           BIGSERIAL PRIMARY KEY,
	property_id  BIGINT NOT NULL,
	period_id    BIGINT NOT NULL,
	account_code TEXT NOT NULL DEFAULT '',
	account_name TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	amount       NUMERIC(18,2) NOT NULL DEFAULT 0,
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS income_statement_data (LIKE balance_sheet_data INCLUDING ALL);
CREATE TABLE IF NOT EXISTS cash_flow_data (LIKE balance_sheet_data INCLUDING ALL);

CREATE TABLE IF NOT EXISTS rent_roll_data (
	id           BIGSERIAL PRIMARY KEY,
	property_id  BIGINT NOT NULL,
	period_id    BIGINT NOT NULL,
	unit_number  TEXT NOT NULL DEFAULT '',
	tenant_name  TEXT NOT NULL DEFAULT '',
	monthly_rent NUMERIC(18,2) NOT NULL DEFAULT 0,
	annual_rent  NUMERIC(18,2),
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS mortgage_statement_data (
	id                BIGSERIAL PRIMARY KEY,
	property_id       BIGINT NOT NULL,
	period_id         BIGINT NOT NULL,
	loan_number       TEXT NOT NULL DEFAULT '',
	lender_name       TEXT NOT NULL DEFAULT '',
	principal_balance NUMERIC(18,2) NOT NULL DEFAULT 0,
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_bs_property_period ON balance_sheet_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_is_property_period ON income_statement_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_cf_property_period ON cash_flow_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_rr_property_period ON rent_roll_data(property_id, period_id);
CREATE INDEX IF NOT EXISTS idx_ms_property_period ON mortgage_statement_data(property_id, period_id);

CREATE TABLE IF NOT EXISTS materiality_config (
	id                      BIGSERIAL PRIMARY KEY,
	property_id             BIGINT,
	statement_type          TEXT,
	account_code            TEXT,
	absolute_threshold      NUMERIC(18,2) NOT NULL,
	relative_threshold_pct  DOUBLE PRECISION NOT NULL,
	risk_class              TEXT NOT NULL DEFAULT 'medium',
	tolerance_type          TEXT NOT NULL DEFAULT 'standard',
	tolerance_absolute      NUMERIC(18,4),
	tolerance_percent       DOUBLE PRECISION,
	property_type_overrides JSONB,
	effective_date          DATE NOT NULL DEFAULT CURRENT_DATE,
	expiry_date             DATE
);

CREATE TABLE IF NOT EXISTS account_risk_classes (
	id                      BIGSERIAL PRIMARY KEY,
	pattern                 TEXT NOT NULL,
	risk_class              TEXT NOT NULL,
	property_type_overrides JSONB,
	sort_order              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS calculated_rules (
	rule_id            TEXT NOT NULL,
	version            INTEGER NOT NULL DEFAULT 1,
	name               TEXT NOT NULL,
	formula            TEXT NOT NULL,
	tolerance_absolute NUMERIC(18,4),
	tolerance_percent  DOUBLE PRECISION,
	failure_template   TEXT,
	effective_date     DATE NOT NULL DEFAULT CURRENT_DATE,
	expiry_date        DATE,
	PRIMARY KEY (rule_id, version)
);

CREATE TABLE IF NOT EXISTS auto_resolution_rules (
	id                   BIGSERIAL PRIMARY KEY,
	name                 TEXT NOT NULL,
	pattern_type         TEXT NOT NULL,
	property_id          BIGINT,
	statement_type       TEXT,
	confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	priority             INTEGER NOT NULL DEFAULT 0,
	parameters           JSONB,
	active               BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS reconciliation_matches (
	id                   BIGSERIAL PRIMARY KEY,
	session_id           TEXT NOT NULL,
	property_id          BIGINT NOT NULL,
	period_id            BIGINT NOT NULL,
	source_doc_type      TEXT NOT NULL,
	source_table         TEXT NOT NULL,
	source_record_id     BIGINT NOT NULL,
	source_account_code  TEXT NOT NULL DEFAULT '',
	source_account_name  TEXT NOT NULL DEFAULT '',
	source_amount        NUMERIC(18,2) NOT NULL DEFAULT 0,
	source_field         TEXT NOT NULL DEFAULT '',
	target_doc_type      TEXT NOT NULL,
	target_table         TEXT NOT NULL,
	target_record_id     BIGINT NOT NULL,
	target_account_code  TEXT NOT NULL DEFAULT '',
	target_account_name  TEXT NOT NULL DEFAULT '',
	target_amount        NUMERIC(18,2) NOT NULL DEFAULT 0,
	target_field         TEXT NOT NULL DEFAULT '',
	match_type           TEXT NOT NULL,
	confidence           DOUBLE PRECISION NOT NULL,
	amount_difference    NUMERIC(18,2) NOT NULL DEFAULT 0,
	relationship_formula TEXT,
	relationship_type    TEXT,
	tier                 INTEGER,
	status               TEXT NOT NULL DEFAULT 'pending',
	review_notes         TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, source_doc_type, source_record_id, target_doc_type, target_record_id)
);

CREATE INDEX IF NOT EXISTS idx_matches_session ON reconciliation_matches(session_id);

CREATE TABLE IF NOT EXISTS discrepancies (
	id               BIGSERIAL PRIMARY KEY,
	session_id       TEXT NOT NULL,
	source_doc_type  TEXT NOT NULL,
	source_record_id BIGINT NOT NULL,
	target_doc_type  TEXT NOT NULL,
	target_record_id BIGINT NOT NULL,
	severity         TEXT NOT NULL,
	description      TEXT,
	tier             INTEGER,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_discrepancies_pair ON discrepancies(session_id, source_doc_type, source_record_id, target_doc_type, target_record_id);

CREATE TABLE IF NOT EXISTS reconciliation_results (
	id                 BIGSERIAL PRIMARY KEY,
	property_id        BIGINT NOT NULL,
	period_id          BIGINT NOT NULL,
	rule_id            TEXT NOT NULL,
	rule_name          TEXT NOT NULL DEFAULT '',
	version            INTEGER NOT NULL DEFAULT 1,
	formula            TEXT NOT NULL DEFAULT '',
	left_value         NUMERIC(18,2),
	right_value        NUMERIC(18,2),
	difference         NUMERIC(18,2) NOT NULL DEFAULT 0,
	difference_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	message            TEXT NOT NULL DEFAULT '',
	evaluated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (property_id, period_id, rule_id)
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx runs fn inside one transaction. Nested calls open a savepoint.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PostgresStore{pool: tx, inTx: true, retry: s.retry}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// write runs a mutation, retrying transient failures. Inside a caller-owned
// transaction it runs once; conflicts there are resolved by the caller.
func (s *PostgresStore) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.inTx {
		return fn(ctx)
	}
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("postgres", op)
	return resilience.Do(ctx, cfg, fn)
}
