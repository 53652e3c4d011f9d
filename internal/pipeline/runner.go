// Package pipeline runs ingestion jobs end to end: plan requests, fetch
// through each source's connector, write batches to the lake and
// optionally mirror the lake afterwards.
//
// # Overview
//
// A Runner starts one worker per source. Requests for a source run
// sequentially so that its rate profile is the only throttle; sources run
// in parallel and share the rate limiter, response cache and fetcher.
// Per-request failures are recorded in the run report and never stop the
// run. Only configuration errors abort it.
//
// # Basic Usage
//
//	runner, err := pipeline.New(ctx, cfg, logger)
//	report, err := runner.Run(ctx, cfg.Jobs)
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/finlake/pkg/cache"
	"github.com/ajitpratap0/finlake/pkg/clients"
	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/base"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/lake"
	"github.com/ajitpratap0/finlake/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options controls one run.
type Options struct {
	UseCache bool
	SaveRaw  bool
	// Sync mirrors the lake after ingestion when a remote is configured.
	Sync       bool
	DryRunSync bool
	// ReportPath, when set, receives the run report as JSON.
	ReportPath string
}

// OptionsFromConfig returns the run defaults of cfg.
func OptionsFromConfig(cfg config.RunConfig) Options {
	return Options{
		UseCache:   cfg.UseCache,
		SaveRaw:    cfg.SaveRaw,
		Sync:       cfg.SyncAfterRun,
		ReportPath: cfg.ReportPath,
	}
}

// Deps are the shared components of a Runner. Adapters not present in
// Adapters are created from the registry on first use.
type Deps struct {
	Limiter  base.Limiter
	Cache    base.Cache
	Fetcher  base.Fetcher
	Lake     *lake.Lake
	Remote   core.Remote
	Adapters map[string]core.SourceAdapter
	Clock    clock.Clock
}

// rateStats is implemented by limiters that account for throttling.
type rateStats interface {
	GetStats(source string) clients.RateLimiterStats
}

// Runner executes jobs. A Runner may be reused for several runs.
type Runner struct {
	cfg    *config.Config
	deps   Deps
	opts   Options
	logger *zap.Logger
	// root is the caller's logger, handed to connectors undecorated
	root   *zap.Logger

	mu       sync.Mutex
	adapters map[string]core.SourceAdapter
}

// New wires a Runner from configuration: rate limiter, HTTP fetcher,
// response cache, lake and the configured remote, all on the real clock.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clk := clock.New()

	rc, err := cache.New(cfg.Cache, clk, log)
	if err != nil {
		return nil, err
	}
	lk, err := lake.New(cfg.Lake, clk, log)
	if err != nil {
		return nil, err
	}

	policy := cfg.Retry
	fetcher := clients.NewRetryingFetcher(&policy, log,
		clients.WithHTTPDoer(clients.NewHTTPClient(&cfg.HTTP, log)),
		clients.WithClock(clk),
		clients.WithUserAgents(cfg.UserAgents))

	deps := Deps{
		Limiter: clients.NewRateLimiter(cfg.RateProfiles(), clk),
		Cache:   rc,
		Fetcher: fetcher,
		Lake:    lk,
		Clock:   clk,
	}

	if cfg.Remote.Configured() {
		remote, err := registry.CreateRemote(ctx, cfg.Remote, log)
		if err != nil {
			return nil, err
		}
		deps.Remote = remote
	}

	return NewRunner(cfg, deps, OptionsFromConfig(cfg.Run), log), nil
}

// NewRunner creates a Runner from explicit dependencies.
func NewRunner(cfg *config.Config, deps Deps, opts Options, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	adapters := make(map[string]core.SourceAdapter, len(deps.Adapters))
	for name, a := range deps.Adapters {
		adapters[name] = a
	}
	return &Runner{
		cfg:      cfg,
		deps:     deps,
		opts:     opts,
		logger:   log.With(zap.String("component", "runner")),
		root:     log,
		adapters: adapters,
	}
}

// Options returns the run options in effect.
func (r *Runner) Options() Options { return r.opts }

// SetOptions replaces the run options, typically from CLI flags.
func (r *Runner) SetOptions(opts Options) { r.opts = opts }

// Lake returns the lake the runner writes to.
func (r *Runner) Lake() *lake.Lake { return r.deps.Lake }

// Remote returns the configured remote, or nil.
func (r *Runner) Remote() core.Remote { return r.deps.Remote }

// Run executes jobs and returns the run report. The report is returned
// even when the context is cancelled part way through; the error is then
// the context's.
func (r *Runner) Run(ctx context.Context, jobs []core.Job) (*RunReport, error) {
	if r.cfg == nil || len(r.cfg.Sources) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no sources configured")
	}
	if err := r.cfg.ValidateJobs(jobs); err != nil {
		return nil, err
	}

	bySource := groupBySource(jobs)
	adapters := make(map[string]core.SourceAdapter, len(bySource))
	for source := range bySource {
		a, err := r.adapter(ctx, source)
		if err != nil {
			return nil, err
		}
		adapters[source] = a
	}

	runID := uuid.NewString()
	ctx = logger.ContextWith(ctx, logger.RunIDKey, runID)
	log := logger.WithContext(ctx, r.logger)

	report := newRunReport(runID, r.deps.Clock.Now())
	log.Info("run started", zap.Int("jobs", len(jobs)), zap.Int("sources", len(bySource)))

	var (
		g       errgroup.Group
		reports sync.Map
	)
	for source, sourceJobs := range bySource {
		adapter := adapters[source]
		g.Go(func() error {
			sr := r.runSource(ctx, source, adapter, sourceJobs)
			reports.Store(source, sr)
			return nil
		})
	}
	_ = g.Wait()

	reports.Range(func(k, v interface{}) bool {
		report.Sources[k.(string)] = *v.(*SourceReport)
		return true
	})

	if r.opts.Sync && ctx.Err() == nil {
		report.Sync = r.syncAfterRun(ctx, log)
	}

	report.FinishedAt = r.deps.Clock.Now()
	report.log(log)

	if r.opts.ReportPath != "" {
		if err := report.WriteFile(r.opts.ReportPath); err != nil {
			log.Warn("failed to write run report", zap.String("path", r.opts.ReportPath), zap.Error(err))
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) runSource(ctx context.Context, source string, adapter core.SourceAdapter, jobs []core.Job) *SourceReport {
	ctx = logger.ContextWith(ctx, logger.SourceKey, source)
	conn := base.NewConnector(source, r.deps.Limiter, r.deps.Cache, r.deps.Fetcher, r.root)

	rs, hasRateStats := r.deps.Limiter.(rateStats)
	var rateBefore clients.RateLimiterStats
	if hasRateStats {
		rateBefore = rs.GetStats(source)
	}

	sr := &SourceReport{}
	defer func() {
		st := conn.Stats()
		sr.Requests = st.Requests
		sr.CacheHits = st.CacheHits
		sr.Retries = st.Retries
		sr.Bytes = st.BytesReceived
		if hasRateStats {
			after := rs.GetStats(source)
			sr.Throttled = after.BlockedRequests - rateBefore.BlockedRequests
			sr.RateWait = after.TotalWaitTime - rateBefore.TotalWaitTime
		}
	}()

	for _, job := range jobs {
		reqs, err := adapter.Requests(job)
		if err != nil {
			sr.addError(job.Dataset, err)
			continue
		}

		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				sr.addError(job.Dataset, err)
				return sr
			}

			reqCtx := logger.ContextWith(ctx, logger.DatasetKey, req.Dataset)
			batch, err := r.ingest(reqCtx, conn, adapter, req)
			if err != nil {
				logger.WithContext(reqCtx, r.logger).Warn("request failed", zap.String("url", req.RedactedURL()), zap.Error(err))
				sr.addError(req.Dataset, err)
				continue
			}
			if batch.Domain == "" {
				batch.Domain = adapter.Domain()
			}

			entries, err := r.deps.Lake.Write(reqCtx, batch)
			for _, e := range entries {
				sr.Records += e.RowCount
			}
			sr.Files += len(entries)
			if err != nil {
				sr.addError(req.Dataset, err)
			}
		}
	}
	return sr
}

func (r *Runner) ingest(ctx context.Context, conn *base.Connector, adapter core.SourceAdapter, req *core.Request) (*core.DatasetBatch, error) {
	if !r.opts.SaveRaw {
		return conn.Ingest(ctx, adapter, req, r.opts.UseCache)
	}

	payload, err := conn.Fetch(ctx, req, r.opts.UseCache)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	name := fmt.Sprintf("%s_%s.json", req.Dataset, hex.EncodeToString(sum[:])[:12])
	if _, err := r.deps.Lake.SaveRaw(conn.Source(), name, payload); err != nil {
		logger.WithContext(ctx, r.logger).Warn("failed to save raw payload", zap.Error(err))
	}
	return conn.Decode(adapter, req, payload)
}

func (r *Runner) syncAfterRun(ctx context.Context, log *zap.Logger) *SyncSummary {
	if r.deps.Remote == nil {
		log.Warn("sync requested but no remote is configured")
		return &SyncSummary{Error: "no remote configured"}
	}

	rep, err := r.deps.Lake.Sync(ctx, r.deps.Remote, lake.SyncOptions{DryRun: r.opts.DryRunSync})
	summary := summarize(rep)
	if err != nil {
		summary.Error = err.Error()
	}
	return summary
}

// Sync mirrors the lake to the configured remote.
func (r *Runner) Sync(ctx context.Context, opts lake.SyncOptions) (*lake.SyncReport, error) {
	if r.deps.Remote == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no remote configured (set remote.type)")
	}
	return r.deps.Lake.Sync(ctx, r.deps.Remote, opts)
}

func (r *Runner) adapter(ctx context.Context, source string) (core.SourceAdapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[source]; ok {
		return a, nil
	}
	a, err := registry.CreateSource(ctx, source, r.cfg.Sources[source], r.logger)
	if err != nil {
		return nil, err
	}
	r.adapters[source] = a
	return a, nil
}

// groupBySource keeps job order within each source.
func groupBySource(jobs []core.Job) map[string][]core.Job {
	out := make(map[string][]core.Job)
	for _, job := range jobs {
		out[job.Source] = append(out[job.Source], job)
	}
	return out
}

// FilterJobs returns the jobs of the named sources, or all jobs when
// sources is empty.
func FilterJobs(jobs []core.Job, sources []string) []core.Job {
	if len(sources) == 0 {
		return jobs
	}
	keep := make(map[string]bool, len(sources))
	for _, s := range sources {
		keep[s] = true
	}
	var out []core.Job
	for _, job := range jobs {
		if keep[job.Source] {
			out = append(out, job)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
