package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/db"
	"github.com/sells-group/recon-engine/internal/model"
)

const matchColumns = `id, session_id, property_id, period_id,
	source_doc_type, source_table, source_record_id, source_account_code, source_account_name, source_amount, source_field,
	target_doc_type, target_table, target_record_id, target_account_code, target_account_name, target_amount, target_field,
	match_type, confidence, amount_difference, relationship_formula, relationship_type, tier, status, review_notes, created_at`

func (s *PostgresStore) DeleteSessionMatches(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.write(ctx, "delete_session_matches", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM reconciliation_matches WHERE session_id = $1`, sessionID)
		if err != nil {
			return eris.Wrapf(err, "postgres: delete matches for session %s", sessionID)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func (s *PostgresStore) ListSessionPairs(ctx context.Context, sessionID string) ([]model.MatchPair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_doc_type, source_record_id, target_doc_type, target_record_id
		 FROM reconciliation_matches WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list pairs for session %s", sessionID)
	}
	defer rows.Close()

	var pairs []model.MatchPair
	for rows.Next() {
		var p model.MatchPair
		var src, tgt string
		if err := rows.Scan(&src, &p.Source.ID, &tgt, &p.Target.ID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan match pair")
		}
		p.Source.DocType = model.DocumentType(src)
		p.Target.DocType = model.DocumentType(tgt)
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "postgres: list pairs iterate")
}

// InsertMatch inserts m inside its own savepoint so a failed row leaves the
// surrounding transaction usable. m.ID and m.CreatedAt are set on success.
func (s *PostgresStore) InsertMatch(ctx context.Context, m *model.PersistedMatch) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, "insert_match", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return eris.Wrap(err, "postgres: begin match savepoint")
		}
		defer func() { _ = tx.Rollback(ctx) }()

		err = tx.QueryRow(ctx,
			`INSERT INTO reconciliation_matches (session_id, property_id, period_id,
			   source_doc_type, source_table, source_record_id, source_account_code, source_account_name, source_amount, source_field,
			   target_doc_type, target_table, target_record_id, target_account_code, target_account_name, target_amount, target_field,
			   match_type, confidence, amount_difference, relationship_formula, relationship_type, tier, status, review_notes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
			 RETURNING id`,
			m.SessionID, m.PropertyID, m.PeriodID,
			string(m.Source.DocType), m.Source.Table, m.Source.RecordID, m.Source.AccountCode, m.Source.AccountName, pgNumeric(m.Source.Amount), m.Source.FieldName,
			string(m.Target.DocType), m.Target.Table, m.Target.RecordID, m.Target.AccountCode, m.Target.AccountName, pgNumeric(m.Target.Amount), m.Target.FieldName,
			string(m.MatchType), m.Confidence, pgNumeric(m.AmountDiff), optString(m.Formula), optString(m.RelationshipType),
			tierArg(m.Tier), string(m.Status), optString(m.ReviewNotes), m.CreatedAt,
		).Scan(&m.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert match %s", m.Pair())
		}
		return eris.Wrap(tx.Commit(ctx), "postgres: release match savepoint")
	})
}

func (s *PostgresStore) UpdateMatchReview(ctx context.Context, matchID int64, tier model.Tier, status model.MatchStatus, notes string) error {
	return s.write(ctx, "update_match_review", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE reconciliation_matches SET tier = $1, status = $2, review_notes = $3 WHERE id = $4`,
			int64(tier), string(status), optString(notes), matchID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update match review %d", matchID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("match not found: %d", matchID)
		}
		return nil
	})
}

func (s *PostgresStore) ListSessionMatches(ctx context.Context, sessionID string) ([]model.PersistedMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM reconciliation_matches WHERE session_id = $1 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list matches for session %s", sessionID)
	}
	defer rows.Close()

	var out []model.PersistedMatch
	for rows.Next() {
		var r matchRow
		var srcAmt, tgtAmt, diff pgtype.Numeric
		err := rows.Scan(&r.m.ID, &r.m.SessionID, &r.m.PropertyID, &r.m.PeriodID,
			&r.sourceDoc, &r.m.Source.Table, &r.m.Source.RecordID, &r.m.Source.AccountCode, &r.m.Source.AccountName, &srcAmt, &r.m.Source.FieldName,
			&r.targetDoc, &r.m.Target.Table, &r.m.Target.RecordID, &r.m.Target.AccountCode, &r.m.Target.AccountName, &tgtAmt, &r.m.Target.FieldName,
			&r.matchType, &r.m.Confidence, &diff, &r.formula, &r.relationship, &r.tier, &r.status, &r.notes, &r.m.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan match")
		}
		r.m.Source.Amount = fromNumeric(srcAmt)
		r.m.Target.Amount = fromNumeric(tgtAmt)
		r.m.AmountDiff = fromNumeric(diff)
		out = append(out, r.toModel())
	}
	return out, eris.Wrap(rows.Err(), "postgres: list matches iterate")
}

func (s *PostgresStore) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	return s.write(ctx, "insert_discrepancy", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`INSERT INTO discrepancies (session_id, source_doc_type, source_record_id, target_doc_type, target_record_id,
			   severity, description, tier)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			d.SessionID, string(d.Pair.Source.DocType), d.Pair.Source.ID, string(d.Pair.Target.DocType), d.Pair.Target.ID,
			string(d.Severity), optString(d.Description), tierArg(d.Tier),
		).Scan(&d.ID)
		return eris.Wrapf(err, "postgres: insert discrepancy %s", d.Pair)
	})
}

func (s *PostgresStore) FindDiscrepancy(ctx context.Context, sessionID string, pair model.MatchPair) (*model.Discrepancy, error) {
	d := model.Discrepancy{SessionID: sessionID, Pair: pair}
	var severity string
	var desc *string
	var tier *int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, severity, description, tier FROM discrepancies
		 WHERE session_id = $1 AND source_doc_type = $2 AND source_record_id = $3
		   AND target_doc_type = $4 AND target_record_id = $5
		 ORDER BY id LIMIT 1`,
		sessionID, string(pair.Source.DocType), pair.Source.ID, string(pair.Target.DocType), pair.Target.ID,
	).Scan(&d.ID, &severity, &desc, &tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find discrepancy %s", pair)
	}
	d.Severity = model.Severity(severity)
	d.Description = deref(desc)
	if tier != nil {
		d.Tier = model.Tier(*tier).Ptr()
	}
	return &d, nil
}

// UpdateDiscrepancy rewrites the severity and description of d.
func (s *PostgresStore) UpdateDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	return s.write(ctx, "update_discrepancy", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE discrepancies SET severity = $1, description = $2 WHERE id = $3`,
			string(d.Severity), optString(d.Description), d.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: update discrepancy %d", d.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("discrepancy not found: %d", d.ID)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteDiscrepancy(ctx context.Context, discrepancyID int64) error {
	return s.write(ctx, "delete_discrepancy", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM discrepancies WHERE id = $1`, discrepancyID)
		return eris.Wrapf(err, "postgres: delete discrepancy %d", discrepancyID)
	})
}

func (s *PostgresStore) UpdateDiscrepancyTier(ctx context.Context, discrepancyID int64, tier model.Tier) error {
	return s.write(ctx, "update_discrepancy_tier", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE discrepancies SET tier = $1 WHERE id = $2`, int64(tier), discrepancyID)
		if err != nil {
			return eris.Wrapf(err, "postgres: update discrepancy tier %d", discrepancyID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("discrepancy not found: %d", discrepancyID)
		}
		return nil
	})
}

var resultColumns = []string{
	"property_id", "period_id", "rule_id", "rule_name", "version", "formula",
	"left_value", "right_value", "difference", "difference_percent", "status", "message", "evaluated_at",
}

// SaveResults upserts rule evaluations keyed by (property, period, rule id).
// Duplicate keys within evals collapse to the last one.
func (s *PostgresStore) SaveResults(ctx context.Context, evals []model.RuleEvaluation) (int64, error) {
	evals = model.DedupEvaluations(evals)
	if len(evals) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(evals))
	for i, e := range evals {
		rows[i] = []any{
			e.PropertyID, e.PeriodID, e.RuleID, e.RuleName, int32(e.Version), e.Formula,
			pgNullNumeric(e.LeftValue), pgNullNumeric(e.RightValue), pgNumeric(e.Difference),
			e.DiffPercent, string(e.Status), e.Message, now,
		}
	}

	var n int64
	err := s.write(ctx, "save_results", func(ctx context.Context) error {
		var err error
		n, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
			Table:        "reconciliation_results",
			Columns:      resultColumns,
			ConflictKeys: []string{"property_id", "period_id", "rule_id"},
		}, rows)
		return err
	})
	return n, eris.Wrap(err, "postgres: save results")
}

func (s *PostgresStore) ListResults(ctx context.Context, propertyID, periodID int64) ([]model.RuleEvaluation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT property_id, period_id, rule_id, rule_name, version, formula, left_value, right_value,
		        difference, difference_percent, status, message
		 FROM reconciliation_results WHERE property_id = $1 AND period_id = $2 ORDER BY rule_id`,
		propertyID, periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.RuleEvaluation
	for rows.Next() {
		var e model.RuleEvaluation
		var left, right, diff pgtype.Numeric
		var status string
		if err := rows.Scan(&e.PropertyID, &e.PeriodID, &e.RuleID, &e.RuleName, &e.Version, &e.Formula,
			&left, &right, &diff, &e.DiffPercent, &status, &e.Message); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		e.LeftValue = fromNullNumeric(left)
		e.RightValue = fromNullNumeric(right)
		e.Difference = fromNumeric(diff)
		e.Status = model.EvaluationStatus(status)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}
