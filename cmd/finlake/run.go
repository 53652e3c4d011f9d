package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/finlake/internal/pipeline"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/json"
	"github.com/ajitpratap0/finlake/pkg/lake"
)

func (a *app) runCommand() *cobra.Command {
	var (
		sources    []string
		dataset    string
		from, to   string
		noCache    bool
		saveRaw    bool
		syncAfter  bool
		dryRun     bool
		timeout    time.Duration
		reportPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ingestion jobs",
		Long: `Run the jobs listed in the configuration, or a single ad hoc job.

Examples:
  finlake run
  finlake run --source fred --source bcb --from 2020-01-01
  finlake run --source bcb --dataset selic_meta --from 2024-01-01 --to 2024-06-30 --sync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := a.jobs(sources, dataset, from, to)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.Run.Timeout
			}
			ctx, cancel := signalContext(timeout)
			defer cancel()

			runner, err := pipeline.New(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}

			opts := runner.Options()
			if noCache {
				opts.UseCache = false
			}
			if saveRaw {
				opts.SaveRaw = true
			}
			if syncAfter || dryRun {
				opts.Sync = true
			}
			opts.DryRunSync = dryRun
			if reportPath != "" {
				opts.ReportPath = reportPath
			}
			runner.SetOptions(opts)

			report, err := runner.Run(ctx, jobs)
			if report != nil {
				if perr := json.MarshalToWriter(os.Stdout, report, true); perr != nil {
					a.log.Warn("failed to print report", zap.Error(perr))
				}
			}
			if err != nil {
				return err
			}
			if n := report.ErrorCount(); n > 0 {
				return fmt.Errorf("run %s finished with %d failed requests", report.RunID, n)
			}
			if report.Sync != nil && (report.Sync.Failed > 0 || report.Sync.Error != "") {
				return fmt.Errorf("run %s finished but sync failed", report.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "Limit the run to these sources (repeatable)")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Run a single dataset of --source instead of the configured jobs")
	cmd.Flags().StringVar(&from, "from", "", "Start date (YYYY-MM-DD), overriding job ranges")
	cmd.Flags().StringVar(&to, "to", "", "End date (YYYY-MM-DD), overriding job ranges")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the response cache")
	cmd.Flags().BoolVar(&saveRaw, "save-raw", false, "Keep raw payloads under the lake raw/ directory")
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "Mirror the lake to the configured remote after the run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan the post-run sync without uploading (implies --sync)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Run timeout")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write the run report as JSON to this path")

	return cmd
}

// jobs resolves the job list from flags and configuration.
func (a *app) jobs(sources []string, dataset, from, to string) ([]core.Job, error) {
	start, err := parseDate("from", from)
	if err != nil {
		return nil, err
	}
	end, err := parseDate("to", to)
	if err != nil {
		return nil, err
	}

	var jobs []core.Job
	if dataset != "" {
		if len(sources) != 1 {
			return nil, fmt.Errorf("--dataset needs exactly one --source")
		}
		jobs = []core.Job{{Source: sources[0], Dataset: dataset}}
	} else {
		jobs = pipeline.FilterJobs(a.cfg.Jobs, sources)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no jobs to run: add jobs to the configuration or pass --source and --dataset")
	}

	out := make([]core.Job, len(jobs))
	for i, job := range jobs {
		if !start.IsZero() {
			job.Start = start
		}
		if !end.IsZero() {
			job.End = end
		}
		if !job.Start.IsZero() && !job.End.IsZero() && job.End.Before(job.Start) {
			return nil, fmt.Errorf("job %s/%s: end %s is before start %s", job.Source, job.Dataset,
				job.End.Format(time.DateOnly), job.Start.Format(time.DateOnly))
		}
		out[i] = job
	}
	return out, nil
}

func parseDate(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", flag, value)
	}
	return t, nil
}

func (a *app) syncCommand() *cobra.Command {
	var (
		dryRun   bool
		datasets []string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror the lake to the configured remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(a.cfg.Run.Timeout)
			defer cancel()

			runner, err := pipeline.New(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}

			report, err := runner.Sync(ctx, lake.SyncOptions{DryRun: dryRun, Datasets: datasets})
			if err != nil {
				return err
			}
			if err := json.MarshalToWriter(os.Stdout, report, true); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("sync finished with %d failures", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be uploaded without uploading")
	cmd.Flags().StringSliceVar(&datasets, "dataset", nil, "Limit the sync to these datasets (repeatable)")
	return cmd
}

// signalContext is cancelled on SIGINT/SIGTERM and, when timeout is
// positive, after timeout.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
