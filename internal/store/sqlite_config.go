package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recon-engine/internal/model"
)

func (s *SQLiteStore) LoadRuleConfig(ctx context.Context, propertyID int64) (model.RuleConfig, error) {
	cfg := model.RuleConfig{Property: model.Property{ID: propertyID}}

	err := s.q.QueryRowContext(ctx,
		`SELECT name, property_type FROM properties WHERE id = ?`, propertyID,
	).Scan(&cfg.Property.Name, &cfg.Property.PropertyType)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return cfg, eris.Wrapf(err, "sqlite: load property %d", propertyID)
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

func (s *SQLiteStore) loadMateriality(ctx context.Context, propertyID int64) ([]model.MaterialityConfig, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, property_id, statement_type, account_code, absolute_threshold, relative_threshold_pct,
		        risk_class, tolerance_type, tolerance_absolute, tolerance_percent,
		        property_type_overrides, effective_date, expiry_date
		 FROM materiality_config
		 WHERE property_id IS NULL OR property_id = ?
		 ORDER BY id`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load materiality config")
	}
	defer rows.Close()

	var out []model.MaterialityConfig
	for rows.Next() {
		var r materialityRow
		var tolAbs decimal.NullDecimal
		if err := rows.Scan(&r.ID, &r.PropertyID, &r.StatementType, &r.AccountCode, &r.Absolute, &r.RelativePct,
			&r.RiskClass, &r.ToleranceType, &tolAbs, &r.TolPercent,
			&r.Overrides, &r.Effective, &r.Expiry); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan materiality config")
		}
		r.TolAbsolute = nullDecimalPtr(tolAbs)
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: convert materiality config")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load materiality config iterate")
}

func (s *SQLiteStore) loadRiskClasses(ctx context.Context) ([]model.AccountRiskClass, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, pattern, risk_class, property_type_overrides, sort_order
		 FROM account_risk_classes ORDER BY sort_order, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load risk classes")
	}
	defer rows.Close()

	var out []model.AccountRiskClass
	for rows.Next() {
		var r riskClassRow
		if err := rows.Scan(&r.ID, &r.Pattern, &r.RiskClass, &r.Overrides, &r.SortOrder); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan risk class")
		}
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: convert risk class")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load risk classes iterate")
}

func (s *SQLiteStore) loadCalculatedRules(ctx context.Context) ([]model.CalculatedRule, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT rule_id, version, name, formula, tolerance_absolute, tolerance_percent, failure_template,
		        effective_date, expiry_date
		 FROM calculated_rules ORDER BY rule_id, version`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load calculated rules")
	}
	defer rows.Close()

	var out []model.CalculatedRule
	for rows.Next() {
		var r ruleRow
		var tolAbs decimal.NullDecimal
		if err := rows.Scan(&r.RuleID, &r.Version, &r.Name, &r.Formula, &tolAbs, &r.TolPercent, &r.Template,
			&r.Effective, &r.Expiry); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan calculated rule")
		}
		r.TolAbsolute = nullDecimalPtr(tolAbs)
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: convert calculated rule")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load calculated rules iterate")
}

func (s *SQLiteStore) loadAutoRules(ctx context.Context, propertyID int64) ([]model.AutoResolutionRule, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, pattern_type, property_id, statement_type, confidence_threshold, priority,
		        parameters, active
		 FROM auto_resolution_rules
		 WHERE property_id IS NULL OR property_id = ?
		 ORDER BY priority DESC, id`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load auto-resolution rules")
	}
	defer rows.Close()

	var out []model.AutoResolutionRule
	for rows.Next() {
		var r autoRuleRow
		if err := rows.Scan(&r.ID, &r.Name, &r.PatternType, &r.PropertyID, &r.StatementType, &r.Threshold,
			&r.Priority, &r.Parameters, &r.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan auto-resolution rule")
		}
		c, err := r.toModel()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: convert auto-resolution rule")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load auto-resolution rules iterate")
}

func (s *SQLiteStore) SaveRuleConfig(ctx context.Context, cfg model.RuleConfig) error {
	return s.withTx(ctx, func(q sqlQuerier) error {
		if cfg.Property.ID != 0 {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO properties (id, name, property_type) VALUES (?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET name = excluded.name, property_type = excluded.property_type`,
				cfg.Property.ID, cfg.Property.Name, cfg.Property.PropertyType,
			); err != nil {
				return eris.Wrapf(err, "sqlite: upsert property %d", cfg.Property.ID)
			}
		}

		for _, m := range cfg.Materiality {
			overrides, err := encodeJSON(m.PropertyTypeOverrides)
			if err != nil {
				return eris.Wrap(err, "sqlite: encode materiality overrides")
			}
			if _, err := q.ExecContext(ctx,
				`INSERT INTO materiality_config (property_id, statement_type, account_code, absolute_threshold,
				   relative_threshold_pct, risk_class, tolerance_type, tolerance_absolute, tolerance_percent,
				   property_type_overrides, effective_date, expiry_date)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.PropertyID, docArg(m.StatementType), m.AccountCode, sqlNum(m.AbsoluteThreshold),
				m.RelativeThresholdPct, string(m.RiskClass), toleranceArg(m.ToleranceType), sqlNullNum(m.ToleranceAbsolute), m.TolerancePercent,
				overrides, windowStart(m.Window), windowEnd(m.Window),
			); err != nil {
				return eris.Wrap(err, "sqlite: insert materiality config")
			}
		}

		for _, rc := range cfg.RiskClasses {
			overrides, err := encodeJSON(rc.PropertyTypeOverrides)
			if err != nil {
				return eris.Wrap(err, "sqlite: encode risk class overrides")
			}
			if _, err := q.ExecContext(ctx,
				`INSERT INTO account_risk_classes (pattern, risk_class, property_type_overrides, sort_order)
				 VALUES (?, ?, ?, ?)`,
				rc.Pattern, string(rc.RiskClass), overrides, rc.SortOrder,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert risk class %s", rc.Pattern)
			}
		}

		for _, r := range cfg.CalculatedRules {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO calculated_rules (rule_id, version, name, formula, tolerance_absolute, tolerance_percent,
				   failure_template, effective_date, expiry_date)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (rule_id, version) DO UPDATE SET
				   name = excluded.name, formula = excluded.formula,
				   tolerance_absolute = excluded.tolerance_absolute, tolerance_percent = excluded.tolerance_percent,
				   failure_template = excluded.failure_template,
				   effective_date = excluded.effective_date, expiry_date = excluded.expiry_date`,
				r.RuleID, r.Version, r.Name, r.Formula, sqlNullNum(r.ToleranceAbsolute), r.TolerancePercent,
				optString(r.FailureTemplate), windowStart(r.Window), windowEnd(r.Window),
			); err != nil {
				return eris.Wrapf(err, "sqlite: upsert calculated rule %s v%d", r.RuleID, r.Version)
			}
		}

		for _, a := range cfg.AutoRules {
			params, err := encodeJSON(a.Parameters)
			if err != nil {
				return eris.Wrap(err, "sqlite: encode auto-resolution parameters")
			}
			if _, err := q.ExecContext(ctx,
				`INSERT INTO auto_resolution_rules (name, pattern_type, property_id, statement_type,
				   confidence_threshold, priority, parameters, active)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				a.Name, string(a.PatternType), a.PropertyID, docArg(a.StatementType),
				a.ConfidenceThreshold, a.Priority, params, a.Active,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert auto-resolution rule %s", a.Name)
			}
		}
		return nil
	})
}
