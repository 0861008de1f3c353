package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	batchJobsPath string
	batchLimit    int
	batchRuleset  string
	batchDryRun   bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Reconcile the sessions listed in a CSV job file",
	Long:  "Reads session_id,property_id,period_id rows and processes them concurrently. A failed session is logged and does not stop the batch.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("batch"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		f, err := os.Open(batchJobsPath)
		if err != nil {
			return eris.Wrap(err, "open job file")
		}
		jobs, err := loadJobs(f)
		_ = f.Close()
		if err != nil {
			return err
		}

		rulesetPath := batchRuleset
		if rulesetPath == "" {
			rulesetPath = cfg.Reconcile.RulesetFile
		}
		e, err := initEnv(ctx, cfg, rulesetPath)
		if err != nil {
			return err
		}
		defer e.Close(cfg.Metrics.Textfile)

		limiter := rate.NewLimiter(rate.Limit(cfg.Batch.SessionsPerSecond), 1)
		sum, err := processBatch(ctx, jobs, batchLimit, cfg.Batch.MaxConcurrentSessions, limiter,
			func(ctx context.Context, j batchJob) (*sessionReport, error) {
				return e.runSession(ctx, j.SessionID, j.PropertyID, j.PeriodID, batchDryRun)
			})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), sum)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchJobsPath, "jobs", "", "CSV file of session_id,property_id,period_id (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of sessions to process (0 = all)")
	batchCmd.Flags().StringVar(&batchRuleset, "ruleset", "", "YAML ruleset file used instead of the configuration tables")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "roll back every session's writes")
	_ = batchCmd.MarkFlagRequired("jobs")
	rootCmd.AddCommand(batchCmd)
}

// batchJob is one row of the job file.
type batchJob struct {
	SessionID  string `csv:"session_id,omitempty"`
	PropertyID int64  `csv:"property_id"`
	PeriodID   int64  `csv:"period_id"`
}

// loadJobs decodes a job file. Rows without a session id get a fresh one.
func loadJobs(r io.Reader) ([]batchJob, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "read job file")
	}
	var jobs []batchJob
	if err := csvutil.Unmarshal(data, &jobs); err != nil {
		return nil, eris.Wrap(err, "decode job file")
	}
	for i := range jobs {
		if jobs[i].PropertyID <= 0 || jobs[i].PeriodID <= 0 {
			return nil, eris.Errorf("job file row %d: property_id and period_id are required", i+1)
		}
		if jobs[i].SessionID == "" {
			jobs[i].SessionID = uuid.NewString()
		}
	}
	return jobs, nil
}

// sessionFunc processes one job.
type sessionFunc func(ctx context.Context, j batchJob) (*sessionReport, error)

// batchSummary counts job outcomes. A degraded session completed with
// recorded failures.
type batchSummary struct {
	Jobs      int   `json:"jobs"`
	Succeeded int64 `json:"succeeded"`
	Degraded  int64 `json:"degraded"`
	Failed    int64 `json:"failed"`
	Alerts    int64 `json:"alerts"`
}

// processBatch applies limit, then runs jobs concurrently, paced by limiter.
func processBatch(ctx context.Context, jobs []batchJob, limit, concurrency int, limiter *rate.Limiter, run sessionFunc) (batchSummary, error) {
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	sum := batchSummary{Jobs: len(jobs)}
	if len(jobs) == 0 {
		zap.L().Info("no jobs to process")
		return sum, nil
	}

	zap.L().Info("processing batch",
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, degraded, failed, alerts atomic.Int64

	for _, job := range jobs {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return eris.Wrap(err, "batch: wait for rate limiter")
			}
			log := zap.L().With(zap.String("session_id", job.SessionID))

			rep, err := run(gctx, job)
			if err != nil {
				failed.Add(1)
				log.Error("session failed", zap.Error(err))
				return nil // don't abort batch on individual failure
			}

			alerts.Add(int64(len(rep.Alerts)))
			if rep.Degraded() {
				degraded.Add(1)
			} else {
				succeeded.Add(1)
			}
			log.Info("session complete",
				zap.Int("stored", len(rep.Result.Stored)),
				zap.Int("failures", rep.Result.FailureCount()),
			)
			return nil
		})
	}

	err := g.Wait()
	sum.Succeeded = succeeded.Load()
	sum.Degraded = degraded.Load()
	sum.Failed = failed.Load()
	sum.Alerts = alerts.Load()
	if err != nil {
		return sum, eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("degraded", sum.Degraded),
		zap.Int64("failed", sum.Failed),
	)
	return sum, nil
}
