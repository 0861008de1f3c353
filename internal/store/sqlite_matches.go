package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

func (s *SQLiteStore) DeleteSessionMatches(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.write(ctx, "delete_session_matches", func(ctx context.Context) error {
		res, err := s.q.ExecContext(ctx, `DELETE FROM reconciliation_matches WHERE session_id = ?`, sessionID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete matches for session %s", sessionID)
		}
		n, err = res.RowsAffected()
		return eris.Wrap(err, "sqlite: rows affected")
	})
	return n, err
}

func (s *SQLiteStore) ListSessionPairs(ctx context.Context, sessionID string) ([]model.MatchPair, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT source_doc_type, source_record_id, target_doc_type, target_record_id
		 FROM reconciliation_matches WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list pairs for session %s", sessionID)
	}
	defer rows.Close()

	var pairs []model.MatchPair
	for rows.Next() {
		var p model.MatchPair
		var src, tgt string
		if err := rows.Scan(&src, &p.Source.ID, &tgt, &p.Target.ID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match pair")
		}
		p.Source.DocType = model.DocumentType(src)
		p.Target.DocType = model.DocumentType(tgt)
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "sqlite: list pairs iterate")
}

func (s *SQLiteStore) InsertMatch(ctx context.Context, m *model.PersistedMatch) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, "insert_match", func(ctx context.Context) error {
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO reconciliation_matches (session_id, property_id, period_id,
			   source_doc_type, source_table, source_record_id, source_account_code, source_account_name, source_amount, source_field,
			   target_doc_type, target_table, target_record_id, target_account_code, target_account_name, target_amount, target_field,
			   match_type, confidence, amount_difference, relationship_formula, relationship_type, tier, status, review_notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, m.PropertyID, m.PeriodID,
			string(m.Source.DocType), m.Source.Table, m.Source.RecordID, m.Source.AccountCode, m.Source.AccountName, sqlNum(m.Source.Amount), m.Source.FieldName,
			string(m.Target.DocType), m.Target.Table, m.Target.RecordID, m.Target.AccountCode, m.Target.AccountName, sqlNum(m.Target.Amount), m.Target.FieldName,
			string(m.MatchType), m.Confidence, sqlNum(m.AmountDiff), optString(m.Formula), optString(m.RelationshipType),
			tierArg(m.Tier), string(m.Status), optString(m.ReviewNotes), m.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert match %s", m.Pair())
		}
		m.ID, err = res.LastInsertId()
		return eris.Wrap(err, "sqlite: last insert id")
	})
}

func (s *SQLiteStore) UpdateMatchReview(ctx context.Context, matchID int64, tier model.Tier, status model.MatchStatus, notes string) error {
	return s.write(ctx, "update_match_review", func(ctx context.Context) error {
		res, err := s.q.ExecContext(ctx,
			`UPDATE reconciliation_matches SET tier = ?, status = ?, review_notes = ? WHERE id = ?`,
			int64(tier), string(status), optString(notes), matchID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update match review %d", matchID)
		}
		return checkRowsAffected(res, "match", matchID)
	})
}

func (s *SQLiteStore) ListSessionMatches(ctx context.Context, sessionID string) ([]model.PersistedMatch, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM reconciliation_matches WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list matches for session %s", sessionID)
	}
	defer rows.Close()

	var out []model.PersistedMatch
	for rows.Next() {
		var r matchRow
		err := rows.Scan(&r.m.ID, &r.m.SessionID, &r.m.PropertyID, &r.m.PeriodID,
			&r.sourceDoc, &r.m.Source.Table, &r.m.Source.RecordID, &r.m.Source.AccountCode, &r.m.Source.AccountName, &r.m.Source.Amount, &r.m.Source.FieldName,
			&r.targetDoc, &r.m.Target.Table, &r.m.Target.RecordID, &r.m.Target.AccountCode, &r.m.Target.AccountName, &r.m.Target.Amount, &r.m.Target.FieldName,
			&r.matchType, &r.m.Confidence, &r.m.AmountDiff, &r.formula, &r.relationship, &r.tier, &r.status, &r.notes, &r.m.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match")
		}
		out = append(out, r.toModel())
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list matches iterate")
}

func (s *SQLiteStore) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	return s.write(ctx, "insert_discrepancy", func(ctx context.Context) error {
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO discrepancies (session_id, source_doc_type, source_record_id, target_doc_type, target_record_id,
			   severity, description, tier)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.SessionID, string(d.Pair.Source.DocType), d.Pair.Source.ID, string(d.Pair.Target.DocType), d.Pair.Target.ID,
			string(d.Severity), optString(d.Description), tierArg(d.Tier),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert discrepancy %s", d.Pair)
		}
		d.ID, err = res.LastInsertId()
		return eris.Wrap(err, "sqlite: last insert id")
	})
}

func (s *SQLiteStore) FindDiscrepancy(ctx context.Context, sessionID string, pair model.MatchPair) (*model.Discrepancy, error) {
	d := model.Discrepancy{SessionID: sessionID, Pair: pair}
	var severity string
	var desc *string
	var tier *int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, severity, description, tier FROM discrepancies
		 WHERE session_id = ? AND source_doc_type = ? AND source_record_id = ?
		   AND target_doc_type = ? AND target_record_id = ?
		 ORDER BY id LIMIT 1`,
		sessionID, string(pair.Source.DocType), pair.Source.ID, string(pair.Target.DocType), pair.Target.ID,
	).Scan(&d.ID, &severity, &desc, &tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find discrepancy %s", pair)
	}
	d.Severity = model.Severity(severity)
	d.Description = deref(desc)
	if tier != nil {
		d.Tier = model.Tier(*tier).Ptr()
	}
	return &d, nil
}

// UpdateDiscrepancy rewrites the severity and description of d.
func (s *SQLiteStore) UpdateDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	return s.write(ctx, "update_discrepancy", func(ctx context.Context) error {
		res, err := s.q.ExecContext(ctx,
			`UPDATE discrepancies SET severity = ?, description = ? WHERE id = ?`,
			string(d.Severity), optString(d.Description), d.ID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update discrepancy %d", d.ID)
		}
		return checkRowsAffected(res, "discrepancy", d.ID)
	})
}

func (s *SQLiteStore) DeleteDiscrepancy(ctx context.Context, discrepancyID int64) error {
	return s.write(ctx, "delete_discrepancy", func(ctx context.Context) error {
		_, err := s.q.ExecContext(ctx, `DELETE FROM discrepancies WHERE id = ?`, discrepancyID)
		return eris.Wrapf(err, "sqlite: delete discrepancy %d", discrepancyID)
	})
}

func (s *SQLiteStore) UpdateDiscrepancyTier(ctx context.Context, discrepancyID int64, tier model.Tier) error {
	return s.write(ctx, "update_discrepancy_tier", func(ctx context.Context) error {
		res, err := s.q.ExecContext(ctx,
			`UPDATE discrepancies SET tier = ? WHERE id = ?`, int64(tier), discrepancyID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update discrepancy tier %d", discrepancyID)
		}
		return checkRowsAffected(res, "discrepancy", discrepancyID)
	})
}

func (s *SQLiteStore) SaveResults(ctx context.Context, evals []model.RuleEvaluation) (int64, error) {
	evals = model.DedupEvaluations(evals)
	if len(evals) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	var n int64
	err := s.withTx(ctx, func(q sqlQuerier) error {
		n = 0
		for _, e := range evals {
			_, err := q.ExecContext(ctx,
				`INSERT INTO reconciliation_results (property_id, period_id, rule_id, rule_name, version, formula,
				   left_value, right_value, difference, difference_percent, status, message, evaluated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (property_id, period_id, rule_id) DO UPDATE SET
				   rule_name = excluded.rule_name, version = excluded.version, formula = excluded.formula,
				   left_value = excluded.left_value, right_value = excluded.right_value,
				   difference = excluded.difference, difference_percent = excluded.difference_percent,
				   status = excluded.status, message = excluded.message, evaluated_at = excluded.evaluated_at`,
				e.PropertyID, e.PeriodID, e.RuleID, e.RuleName, e.Version, e.Formula,
				sqlNullNum(e.LeftValue), sqlNullNum(e.RightValue), sqlNum(e.Difference), e.DiffPercent,
				string(e.Status), e.Message, now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert result %s", e.RuleID)
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *SQLiteStore) ListResults(ctx context.Context, propertyID, periodID int64) ([]model.RuleEvaluation, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT property_id, period_id, rule_id, rule_name, version, formula, left_value, right_value,
		        difference, difference_percent, status, message
		 FROM reconciliation_results WHERE property_id = ? AND period_id = ? ORDER BY rule_id`,
		propertyID, periodID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.RuleEvaluation
	for rows.Next() {
		var e model.RuleEvaluation
		var left, right decimal.NullDecimal
		var status string
		if err := rows.Scan(&e.PropertyID, &e.PeriodID, &e.RuleID, &e.RuleName, &e.Version, &e.Formula,
			&left, &right, &e.Difference, &e.DiffPercent, &status, &e.Message); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		e.LeftValue = nullDecimalPtr(left)
		e.RightValue = nullDecimalPtr(right)
		e.Status = model.EvaluationStatus(status)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}
