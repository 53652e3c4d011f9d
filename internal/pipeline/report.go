package pipeline

import (
	"time"

	"github.com/ajitpratap0/finlake/pkg/json"
	"github.com/ajitpratap0/finlake/pkg/lake"
	"go.uber.org/zap"
)

// RunReport summarizes one run.
type RunReport struct {
	RunID      string                  `json:"run_id"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Sources    map[string]SourceReport `json:"sources"`
	Sync       *SyncSummary            `json:"sync,omitempty"`
}

// SourceReport is the outcome of one source's jobs.
type SourceReport struct {
	Requests  int64         `json:"requests"`
	CacheHits int64         `json:"cache_hits"`
	Retries   int64         `json:"retries"`
	Throttled int64         `json:"throttled"`
	RateWait  time.Duration `json:"rate_wait"`
	Records   int64         `json:"records"`
	Bytes     int64         `json:"bytes"`
	Files     int           `json:"files"`
	Errors    []string      `json:"errors,omitempty"`
}

// SyncSummary is the post-run sync outcome.
type SyncSummary struct {
	DryRun   bool   `json:"dry_run"`
	Examined int    `json:"examined"`
	Selected int    `json:"selected"`
	Uploaded int    `json:"uploaded"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Error    string `json:"error,omitempty"`
}

func newRunReport(runID string, now time.Time) *RunReport {
	return &RunReport{
		RunID:     runID,
		StartedAt: now,
		Sources:   make(map[string]SourceReport),
	}
}

func (s *SourceReport) addError(dataset string, err error) {
	s.Errors = append(s.Errors, dataset+": "+err.Error())
}

func summarize(rep *lake.SyncReport) *SyncSummary {
	if rep == nil {
		return &SyncSummary{}
	}
	return &SyncSummary{
		DryRun:   rep.DryRun,
		Examined: rep.Examined,
		Selected: rep.Selected,
		Uploaded: rep.Uploaded,
		Skipped:  rep.Skipped,
		Failed:   rep.Failed,
	}
}

// Records returns the records ingested across all sources.
func (r *RunReport) Records() int64 {
	var n int64
	for _, s := range r.Sources {
		n += s.Records
	}
	return n
}

// ErrorCount returns the number of contained failures across sources.
func (r *RunReport) ErrorCount() int {
	n := 0
	for _, s := range r.Sources {
		n += len(s.Errors)
	}
	return n
}

// WriteFile writes the report as indented JSON.
func (r *RunReport) WriteFile(path string) error {
	return json.WriteFile(path, r)
}

func (r *RunReport) log(log *zap.Logger) {
	for _, name := range sortedKeys(r.Sources) {
		s := r.Sources[name]
		log.Info("source finished",
			zap.String("source", name),
			zap.Int64("requests", s.Requests),
			zap.Int64("cache_hits", s.CacheHits),
			zap.Int64("retries", s.Retries),
			zap.Int64("throttled", s.Throttled),
			zap.Duration("rate_wait", s.RateWait),
			zap.Int64("records", s.Records),
			zap.Int64("bytes", s.Bytes),
			zap.Int("files", s.Files),
			zap.Int("errors", len(s.Errors)))
	}

	fields := []zap.Field{
		zap.Duration("duration", r.FinishedAt.Sub(r.StartedAt)),
		zap.Int64("records", r.Records()),
		zap.Int("errors", r.ErrorCount()),
	}
	if r.Sync != nil {
		fields = append(fields,
			zap.Int("sync_uploaded", r.Sync.Uploaded),
			zap.Int("sync_failed", r.Sync.Failed))
	}
	log.Info("run finished", fields...)
}
