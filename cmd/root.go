package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/telemetry"
)

var (
	cfg               *config.Config
	telemetryShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "recon",
	Short: "Property financial statement reconciliation",
	Long:  "Matches records across balance sheets, income statements, cash flows, rent rolls and mortgage statements, scores the differences and routes them by review tier.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		shutdown, err := telemetry.Setup(cmd.Context(), cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			zap.L().Warn("tracing disabled", zap.Error(err))
		}
		telemetryShutdown = shutdown

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetryShutdown(ctx); err != nil {
				zap.L().Warn("flush traces", zap.Error(err))
			}
		}
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
