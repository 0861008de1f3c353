package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/report"
)

var (
	exportSessionID  string
	exportPropertyID int64
	exportPeriodID   int64
	exportOut        string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a session's matches and rule results to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("export"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "init store")
		}
		defer st.Close() //nolint:errcheck

		sess, err := report.Load(ctx, st, exportSessionID, exportPropertyID, exportPeriodID)
		if err != nil {
			return err
		}
		if err := sess.Save(exportOut); err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("session_id", exportSessionID),
			zap.Int("matches", len(sess.Matches)),
			zap.Int("results", len(sess.Results)),
			zap.String("out", exportOut),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSessionID, "session", "", "session id (required)")
	exportCmd.Flags().Int64Var(&exportPropertyID, "property", 0, "property id (required)")
	exportCmd.Flags().Int64Var(&exportPeriodID, "period", 0, "period id (required)")
	exportCmd.Flags().StringVar(&exportOut, "out", "reconciliation.xlsx", "output workbook path")
	_ = exportCmd.MarkFlagRequired("session")
	_ = exportCmd.MarkFlagRequired("property")
	_ = exportCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(exportCmd)
}
