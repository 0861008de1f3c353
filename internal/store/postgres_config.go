package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
)

// LoadRuleConfig reads every configuration row that applies to the
// property. Window filtering happens when the snapshot is built. A property
// without a properties row loads with an empty property type.
func (s *PostgresStore) LoadRuleConfig(ctx context.Context, propertyID int64) (model.RuleConfig, error) {
	cfg := model.RuleConfig{Property: model.Property{ID: propertyID}}

	err := s.pool.QueryRow(ctx,
		`SELECT name, property_type FROM properties WHERE id = $1`, propertyID,
	).Scan(&cfg.Property.Name, &cfg.Property.PropertyType)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return cfg, eris.Wrapf(err, "postgres: load property %d", propertyID)
	}

	if cfg.Materiality, err = s.loadMateriality(ctx, propertyID); err != nil {
		return cfg, err
	}
	if cfg.RiskClasses, err = s.loadRiskClasses(ctx); err != nil {
		return cfg, err
	}
	if cfg.CalculatedRules, err = s.loadCalculatedRules(ctx); err != nil {
		return cfg, err
	}
	if cfg.AutoRules, err = s.loadAutoRules(ctx, propertyID); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *PostgresStore) loadMateriality(ctx context.Context, propertyID int64) ([]model.MaterialityConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, property_id, statement_type, account_code, absolute_threshold, relative_threshold_pct,
		        risk_class, tolerance_type, tolerance_absolute, tolerance_percent,
		        property_type_overrides::text, effective_date::text, expiry_date::text
		 FROM materiality_config
		 WHERE property_id IS NULL OR property_id = $1
		 ORDER BY id`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load materiality config")
	}
	defer rows.Close()

	var out []model.MaterialityConfig
	for rows.Next() {
		var r materialityRow
		var abs, tolAbs pgtype.Numeric
		if err := rows.Scan(&r.ID, &r.PropertyID, &r.StatementType, &r.AccountCode, &abs, &r.RelativePct,
			&r.RiskClass, &r.ToleranceType, &tolAbs, &r.TolPercent,
			&r.Overrides, &r.Effective, &r.Expiry); err != nil {
			return nil, eris.Wrap(err, "postgres: scan materiality config")
		}
		r.Absolute = fromNumeric(abs)
		r.TolAbsolute = fromNullNumeric(tolAbs)
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "postgres: convert materiality config")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load materiality config iterate")
}

func (s *PostgresStore) loadRiskClasses(ctx context.Context) ([]model.AccountRiskClass, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pattern, risk_class, property_type_overrides::text, sort_order
		 FROM account_risk_classes ORDER BY sort_order, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load risk classes")
	}
	defer rows.Close()

	var out []model.AccountRiskClass
	for rows.Next() {
		var r riskClassRow
		if err := rows.Scan(&r.ID, &r.Pattern, &r.RiskClass, &r.Overrides, &r.SortOrder); err != nil {
			return nil, eris.Wrap(err, "postgres: scan risk class")
		}
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "postgres: convert risk class")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load risk classes iterate")
}

func (s *PostgresStore) loadCalculatedRules(ctx context.Context) ([]model.CalculatedRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rule_id, version, name, formula, tolerance_absolute, tolerance_percent, failure_template,
		        effective_date::text, expiry_date::text
		 FROM calculated_rules ORDER BY rule_id, version`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load calculated rules")
	}
	defer rows.Close()

	var out []model.CalculatedRule
	for rows.Next() {
		var r ruleRow
		var tolAbs pgtype.Numeric
		if err := rows.Scan(&r.RuleID, &r.Version, &r.Name, &r.Formula, &tolAbs, &r.TolPercent, &r.Template,
			&r.Effective, &r.Expiry); err != nil {
			return nil, eris.Wrap(err, "postgres: scan calculated rule")
		}
		r.TolAbsolute = fromNullNumeric(tolAbs)
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "postgres: convert calculated rule")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load calculated rules iterate")
}

func (s *PostgresStore) loadAutoRules(ctx context.Context, propertyID int64) ([]model.AutoResolutionRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, pattern_type, property_id, statement_type, confidence_threshold, priority,
		        parameters::text, active
		 FROM auto_resolution_rules
		 WHERE property_id IS NULL OR property_id = $1
		 ORDER BY priority DESC, id`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load auto-resolution rules")
	}
	defer rows.Close()

	var out []model.AutoResolutionRule
	for rows.Next() {
		var r autoRuleRow
		if err := rows.Scan(&r.ID, &r.Name, &r.PatternType, &r.PropertyID, &r.StatementType, &r.Threshold,
			&r.Priority, &r.Parameters, &r.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan auto-resolution rule")
		}
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "postgres: convert auto-resolution rule")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load auto-resolution rules iterate")
}

// SaveRuleConfig appends the configuration rows of cfg. Calculated rules
// are upserted by (rule id, version); other rows are inserted as new rows.
func (s *PostgresStore) SaveRuleConfig(ctx context.Context, cfg model.RuleConfig) error {
	return s.write(ctx, "save_rule_config", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return eris.Wrap(err, "postgres: begin save rule config")
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if cfg.Property.ID != 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO properties (id, name, property_type) VALUES ($1, $2, $3)
				 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, property_type = EXCLUDED.property_type`,
				cfg.Property.ID, cfg.Property.Name, cfg.Property.PropertyType,
			); err != nil {
				return eris.Wrapf(err, "postgres: upsert property %d", cfg.Property.ID)
			}
		}

		for _, m := range cfg.Materiality {
			overrides, err := encodeJSON(m.PropertyTypeOverrides)
			if err != nil {
				return eris.Wrap(err, "postgres: encode materiality overrides")
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO materiality_config (property_id, statement_type, account_code, absolute_threshold,
				   relative_threshold_pct, risk_class, tolerance_type, tolerance_absolute, tolerance_percent,
				   property_type_overrides, effective_date, expiry_date)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::date, $12::date)`,
				m.PropertyID, docArg(m.StatementType), m.AccountCode, pgNumeric(m.AbsoluteThreshold),
				m.RelativeThresholdPct, string(m.RiskClass), toleranceArg(m.ToleranceType), pgNullNumeric(m.ToleranceAbsolute), m.TolerancePercent,
				overrides, windowStart(m.Window), windowEnd(m.Window),
			); err != nil {
				return eris.Wrap(err, "postgres: insert materiality config")
			}
		}

		for _, rc := range cfg.RiskClasses {
			overrides, err := encodeJSON(rc.PropertyTypeOverrides)
			if err != nil {
				return eris.Wrap(err, "postgres: encode risk class overrides")
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO account_risk_classes (pattern, risk_class, property_type_overrides, sort_order)
				 VALUES ($1, $2, $3::jsonb, $4)`,
				rc.Pattern, string(rc.RiskClass), overrides, rc.SortOrder,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert risk class %s", rc.Pattern)
			}
		}

		for _, r := range cfg.CalculatedRules {
			if _, err := tx.Exec(ctx,
				`INSERT INTO calculated_rules (rule_id, version, name, formula, tolerance_absolute, tolerance_percent,
				   failure_template, effective_date, expiry_date)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date, $9::date)
				 ON CONFLICT (rule_id, version) DO UPDATE SET
				   name = EXCLUDED.name, formula = EXCLUDED.formula,
				   tolerance_absolute = EXCLUDED.tolerance_absolute, tolerance_percent = EXCLUDED.tolerance_percent,
				   failure_template = EXCLUDED.failure_template,
				   effective_date = EXCLUDED.effective_date, expiry_date = EXCLUDED.expiry_date`,
				r.RuleID, r.Version, r.Name, r.Formula, pgNullNumeric(r.ToleranceAbsolute), r.TolerancePercent,
				optString(r.FailureTemplate), windowStart(r.Window), windowEnd(r.Window),
			); err != nil {
				return eris.Wrapf(err, "postgres: upsert calculated rule %s v%d", r.RuleID, r.Version)
			}
		}

		for _, a := range cfg.AutoRules {
			params, err := encodeJSON(a.Parameters)
			if err != nil {
				return eris.Wrap(err, "postgres: encode auto-resolution parameters")
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO auto_resolution_rules (name, pattern_type, property_id, statement_type,
				   confidence_threshold, priority, parameters, active)
				 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
				a.Name, string(a.PatternType), a.PropertyID, docArg(a.StatementType),
				a.ConfidenceThreshold, a.Priority, params, a.Active,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert auto-resolution rule %s", a.Name)
			}
		}

		return eris.Wrap(tx.Commit(ctx), "postgres: commit rule config")
	})
}
