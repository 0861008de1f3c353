package main

import (
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	processSessionID  string
	processPropertyID int64
	processPeriodID   int64
	processDryRun     bool
	processRuleset    string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Reconcile one property-period session",
	Long:  "Matches the records of one property-period, persists the matches under the session id, tiers them and saves the rule results. Re-running a session replaces its matches.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("process"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rulesetPath := processRuleset
		if rulesetPath == "" {
			rulesetPath = cfg.Reconcile.RulesetFile
		}
		e, err := initEnv(ctx, cfg, rulesetPath)
		if err != nil {
			return err
		}
		defer e.Close(cfg.Metrics.Textfile)

		sessionID := processSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		rep, err := e.runSession(ctx, sessionID, processPropertyID, processPeriodID, processDryRun)
		if err != nil {
			return eris.Wrapf(err, "process session %s", sessionID)
		}

		zap.L().Info("session processed",
			zap.String("session_id", sessionID),
			zap.Int("stored", len(rep.Result.Stored)),
			zap.Int("failures", rep.Result.FailureCount()),
			zap.Int("alerts", len(rep.Alerts)),
			zap.Bool("dry_run", processDryRun),
		)
		return writeJSON(cmd.OutOrStdout(), rep)
	},
}

func init() {
	processCmd.Flags().StringVar(&processSessionID, "session", "", "session id (generated when empty)")
	processCmd.Flags().Int64Var(&processPropertyID, "property", 0, "property id (required)")
	processCmd.Flags().Int64Var(&processPeriodID, "period", 0, "period id (required)")
	processCmd.Flags().BoolVar(&processDryRun, "dry-run", false, "roll back every write when done")
	processCmd.Flags().StringVar(&processRuleset, "ruleset", "", "YAML ruleset file used instead of the configuration tables")
	_ = processCmd.MarkFlagRequired("property")
	_ = processCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(processCmd)
}
