package ruleset

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/recon-engine/internal/model"
)

const dateLayout = "2006-01-02"

// File is a YAML ruleset covering one or more properties. It stands in for
// the configuration tables when running without a database-backed config
// store.
type File struct {
	Properties      []FileProperty    `yaml:"properties" validate:"dive"`
	Materiality     []FileMateriality `yaml:"materiality" validate:"dive"`
	RiskClasses     []FileRiskClass   `yaml:"risk_classes" validate:"dive"`
	CalculatedRules []FileRule        `yaml:"calculated_rules" validate:"dive"`
	AutoRules       []FileAutoRule    `yaml:"auto_rules" validate:"dive"`
}

// FileProperty describes a property in a ruleset file.
type FileProperty struct {
	ID           int64  `yaml:"id" validate:"required,gt=0"`
	Name         string `yaml:"name"`
	PropertyType string `yaml:"property_type" validate:"required"`
}

// FileOverride is a per-property-type threshold override.
type FileOverride struct {
	Absolute    string   `yaml:"absolute" validate:"omitempty,numeric"`
	RelativePct *float64 `yaml:"relative_pct" validate:"omitempty,gte=0"`
}

// FileMateriality is a MaterialityConfig row.
type FileMateriality struct {
	PropertyID            *int64                  `yaml:"property_id"`
	StatementType         string                  `yaml:"statement_type" validate:"omitempty,oneof=balance_sheet income_statement cash_flow rent_roll mortgage_statement"`
	AccountCode           string                  `yaml:"account_code"`
	AbsoluteThreshold     string                  `yaml:"absolute_threshold" validate:"required,numeric"`
	RelativeThresholdPct  float64                 `yaml:"relative_threshold_pct" validate:"gte=0"`
	RiskClass             string                  `yaml:"risk_class" validate:"omitempty,oneof=critical high medium low"`
	ToleranceType         string                  `yaml:"tolerance_type" validate:"omitempty,oneof=strict standard loose"`
	ToleranceAbsolute     string                  `yaml:"tolerance_absolute" validate:"omitempty,numeric"`
	TolerancePercent      *float64                `yaml:"tolerance_percent" validate:"omitempty,gte=0"`
	PropertyTypeOverrides map[string]FileOverride `yaml:"property_type_overrides" validate:"dive"`
	EffectiveDate         string                  `yaml:"effective_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate            string                  `yaml:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
}

// FileRiskClass is an AccountRiskClass row.
type FileRiskClass struct {
	Pattern               string            `yaml:"pattern" validate:"required"`
	RiskClass             string            `yaml:"risk_class" validate:"required,oneof=critical high medium low"`
	PropertyTypeOverrides map[string]string `yaml:"property_type_overrides" validate:"dive,oneof=critical high medium low"`
}

// FileRule is a CalculatedRule row.
type FileRule struct {
	RuleID            string   `yaml:"rule_id" validate:"required"`
	Name              string   `yaml:"name"`
	Version           int      `yaml:"version" validate:"gte=0"`
	Formula           string   `yaml:"formula" validate:"required"`
	ToleranceAbsolute string   `yaml:"tolerance_absolute" validate:"omitempty,numeric"`
	TolerancePercent  *float64 `yaml:"tolerance_percent" validate:"omitempty,gte=0"`
	FailureTemplate   string   `yaml:"failure_template"`
	EffectiveDate     string   `yaml:"effective_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate        string   `yaml:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
}

// FileAutoRule is an AutoResolutionRule row.
type FileAutoRule struct {
	ID                  int64          `yaml:"id"`
	Name                string         `yaml:"name" validate:"required"`
	PatternType         string         `yaml:"pattern_type" validate:"required,oneof=rounding timing synonym mapping"`
	PropertyID          *int64         `yaml:"property_id"`
	StatementType       string         `yaml:"statement_type" validate:"omitempty,oneof=balance_sheet income_statement cash_flow rent_roll mortgage_statement"`
	ConfidenceThreshold float64        `yaml:"confidence_threshold" validate:"gte=0,lte=100"`
	Priority            int            `yaml:"priority"`
	Parameters          map[string]any `yaml:"parameters"`
	Disabled            bool           `yaml:"disabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads and validates a YAML ruleset file. Every calculated-rule
// formula must parse.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ruleset: read %s", path)
	}
	return ParseFile(data)
}

// ParseFile decodes and validates ruleset YAML.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "ruleset: parse yaml")
	}
	if err := validate.Struct(&f); err != nil {
		return nil, eris.Wrap(err, "ruleset: validate")
	}
	for _, r := range f.CalculatedRules {
		if _, err := ParseFormula(r.Formula); err != nil {
			return nil, eris.Wrapf(err, "ruleset: rule %s", r.RuleID)
		}
	}
	// Convert once up front so malformed values surface at load time.
	for _, p := range f.propertyIDs() {
		if _, err := f.ruleConfig(p); err != nil {
			return nil, err
		}
	}
	if _, err := f.ruleConfig(0); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadRuleConfig returns the rows applicable to propertyID: rows scoped to
// that property plus unscoped rows. Unknown properties get an empty property
// type, so only base risk classes and thresholds apply.
func (f *File) LoadRuleConfig(_ context.Context, propertyID int64) (model.RuleConfig, error) {
	return f.ruleConfig(propertyID)
}

// RuleConfigs splits the file into rows ready for a config store: one
// config holding the unscoped rows, followed by one per property holding its
// property row and the rows scoped to it. Saving every entry stores each
// row once.
func (f *File) RuleConfigs() ([]model.RuleConfig, error) {
	global, err := f.ruleConfig(0)
	if err != nil {
		return nil, err
	}
	global.Materiality = keepUnscopedMateriality(global.Materiality)
	global.AutoRules = keepUnscopedAutoRules(global.AutoRules)
	out := []model.RuleConfig{global}

	for _, id := range f.propertyIDs() {
		cfg, err := f.ruleConfig(id)
		if err != nil {
			return nil, err
		}
		scoped := model.RuleConfig{Property: cfg.Property}
		for _, m := range cfg.Materiality {
			if m.PropertyID != nil {
				scoped.Materiality = append(scoped.Materiality, m)
			}
		}
		for _, a := range cfg.AutoRules {
			if a.PropertyID != nil {
				scoped.AutoRules = append(scoped.AutoRules, a)
			}
		}
		out = append(out, scoped)
	}
	return out, nil
}

func keepUnscopedMateriality(rows []model.MaterialityConfig) []model.MaterialityConfig {
	var out []model.MaterialityConfig
	for _, m := range rows {
		if m.PropertyID == nil {
			out = append(out, m)
		}
	}
	return out
}

func keepUnscopedAutoRules(rows []model.AutoResolutionRule) []model.AutoResolutionRule {
	var out []model.AutoResolutionRule
	for _, a := range rows {
		if a.PropertyID == nil {
			out = append(out, a)
		}
	}
	return out
}

func (f *File) propertyIDs() []int64 {
	ids := make([]int64, 0, len(f.Properties))
	for _, p := range f.Properties {
		ids = append(ids, p.ID)
	}
	return ids
}

func appliesTo(scoped *int64, propertyID int64) bool {
	return scoped == nil || *scoped == propertyID
}

func (f *File) ruleConfig(propertyID int64) (model.RuleConfig, error) {
	cfg := model.RuleConfig{Property: model.Property{ID: propertyID}}
	for _, p := range f.Properties {
		if p.ID == propertyID {
			cfg.Property = model.Property{ID: p.ID, Name: p.Name, PropertyType: p.PropertyType}
		}
	}

	for i, m := range f.Materiality {
		if !appliesTo(m.PropertyID, propertyID) {
			continue
		}
		mc, err := m.toModel(int64(i + 1))
		if err != nil {
			return cfg, eris.Wrapf(err, "ruleset: materiality row %d", i+1)
		}
		cfg.Materiality = append(cfg.Materiality, mc)
	}

	for i, r := range f.RiskClasses {
		rc := model.AccountRiskClass{
			ID:        int64(i + 1),
			Pattern:   r.Pattern,
			RiskClass: model.RiskClass(r.RiskClass),
			SortOrder: i,
		}
		if len(r.PropertyTypeOverrides) > 0 {
			rc.PropertyTypeOverrides = make(map[string]model.RiskClass, len(r.PropertyTypeOverrides))
			for pt, c := range r.PropertyTypeOverrides {
				rc.PropertyTypeOverrides[pt] = model.RiskClass(c)
			}
		}
		cfg.RiskClasses = append(cfg.RiskClasses, rc)
	}

	for _, r := range f.CalculatedRules {
		cr, err := r.toModel()
		if err != nil {
			return cfg, eris.Wrapf(err, "ruleset: rule %s", r.RuleID)
		}
		cfg.CalculatedRules = append(cfg.CalculatedRules, cr)
	}

	for i, r := range f.AutoRules {
		if !appliesTo(r.PropertyID, propertyID) {
			continue
		}
		ar := model.AutoResolutionRule{
			ID:                  r.ID,
			Name:                r.Name,
			PatternType:         model.PatternType(r.PatternType),
			PropertyID:          r.PropertyID,
			ConfidenceThreshold: r.ConfidenceThreshold,
			Priority:            r.Priority,
			Parameters:          r.Parameters,
			Active:              !r.Disabled,
		}
		if ar.ID == 0 {
			ar.ID = int64(i + 1)
		}
		if r.StatementType != "" {
			st := model.DocumentType(r.StatementType)
			ar.StatementType = &st
		}
		cfg.AutoRules = append(cfg.AutoRules, ar)
	}

	return cfg, nil
}

func (m FileMateriality) toModel(id int64) (model.MaterialityConfig, error) {
	abs, err := decimal.NewFromString(m.AbsoluteThreshold)
	if err != nil {
		return model.MaterialityConfig{}, eris.Wrap(err, "absolute_threshold")
	}
	mc := model.MaterialityConfig{
		ID:                   id,
		PropertyID:           m.PropertyID,
		AbsoluteThreshold:    abs,
		RelativeThresholdPct: m.RelativeThresholdPct,
		RiskClass:            model.RiskClass(m.RiskClass),
		ToleranceType:        model.ToleranceType(m.ToleranceType),
		TolerancePercent:     m.TolerancePercent,
	}
	if mc.RiskClass == "" {
		mc.RiskClass = model.RiskMedium
	}
	if mc.ToleranceType == "" {
		mc.ToleranceType = model.ToleranceStandard
	}
	if m.StatementType != "" {
		st := model.DocumentType(m.StatementType)
		mc.StatementType = &st
	}
	if m.AccountCode != "" {
		code := m.AccountCode
		mc.AccountCode = &code
	}
	if mc.ToleranceAbsolute, err = optionalDecimal(m.ToleranceAbsolute); err != nil {
		return mc, eris.Wrap(err, "tolerance_absolute")
	}
	if len(m.PropertyTypeOverrides) > 0 {
		mc.PropertyTypeOverrides = make(map[string]model.ThresholdOverride, len(m.PropertyTypeOverrides))
		for pt, o := range m.PropertyTypeOverrides {
			abs, err := optionalDecimal(o.Absolute)
			if err != nil {
				return mc, eris.Wrapf(err, "override %s", pt)
			}
			mc.PropertyTypeOverrides[pt] = model.ThresholdOverride{Absolute: abs, RelativePct: o.RelativePct}
		}
	}
	if mc.Window, err = parseWindow(m.EffectiveDate, m.ExpiryDate); err != nil {
		return mc, err
	}
	return mc, nil
}

func (r FileRule) toModel() (model.CalculatedRule, error) {
	cr := model.CalculatedRule{
		RuleID:           r.RuleID,
		Name:             r.Name,
		Version:          r.Version,
		Formula:          r.Formula,
		TolerancePercent: r.TolerancePercent,
		FailureTemplate:  r.FailureTemplate,
	}
	if cr.Name == "" {
		cr.Name = r.RuleID
	}
	var err error
	if cr.ToleranceAbsolute, err = optionalDecimal(r.ToleranceAbsolute); err != nil {
		return cr, eris.Wrap(err, "tolerance_absolute")
	}
	if cr.Window, err = parseWindow(r.EffectiveDate, r.ExpiryDate); err != nil {
		return cr, err
	}
	return cr, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseWindow(effective, expiry string) (model.Window, error) {
	var w model.Window
	if effective != "" {
		t, err := time.Parse(dateLayout, effective)
		if err != nil {
			return w, eris.Wrap(err, "effective_date")
		}
		w.EffectiveDate = t
	}
	if expiry != "" {
		t, err := time.Parse(dateLayout, expiry)
		if err != nil {
			return w, eris.Wrap(err, "expiry_date")
		}
		w.ExpiryDate = &t
	}
	return w, nil
}
