package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/ruleset"
	"github.com/sells-group/recon-engine/internal/store"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate, load and inspect reconciliation rule configuration",
}

// rulesCheckSummary counts the rows a ruleset file defines.
type rulesCheckSummary struct {
	Properties      int `json:"properties"`
	Materiality     int `json:"materiality"`
	RiskClasses     int `json:"risk_classes"`
	CalculatedRules int `json:"calculated_rules"`
	AutoRules       int `json:"auto_rules"`
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a YAML ruleset file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("rules"); err != nil {
			return err
		}
		f, err := ruleset.LoadFile(args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), rulesCheckSummary{
			Properties:      len(f.Properties),
			Materiality:     len(f.Materiality),
			RiskClasses:     len(f.RiskClasses),
			CalculatedRules: len(f.CalculatedRules),
			AutoRules:       len(f.AutoRules),
		})
	},
}

var rulesLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Write a YAML ruleset file into the configuration tables",
	Long:  "Appends materiality, risk class and auto-resolution rows and upserts calculated rules by rule id and version, in one transaction.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		ctx := cmd.Context()

		f, err := ruleset.LoadFile(args[0])
		if err != nil {
			return err
		}
		configs, err := f.RuleConfigs()
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "init store")
		}
		defer st.Close() //nolint:errcheck

		err = st.InTx(ctx, func(tx store.Store) error {
			for _, c := range configs {
				if err := tx.SaveRuleConfig(ctx, c); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return eris.Wrap(err, "load ruleset")
		}

		zap.L().Info("ruleset loaded",
			zap.String("file", args[0]),
			zap.Int("properties", len(f.Properties)),
			zap.Int("calculated_rules", len(f.CalculatedRules)),
		)
		return nil
	},
}

var rulesShowProperty int64

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the rule configuration that applies to a property",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "init store")
		}
		defer st.Close() //nolint:errcheck

		rc, err := st.LoadRuleConfig(ctx, rulesShowProperty)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), rc)
	},
}

func init() {
	rulesShowCmd.Flags().Int64Var(&rulesShowProperty, "property", 0, "property id (required)")
	_ = rulesShowCmd.MarkFlagRequired("property")

	rulesCmd.AddCommand(rulesCheckCmd, rulesLoadCmd, rulesShowCmd)
	rootCmd.AddCommand(rulesCmd)
}
