package lake

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/json"
	"github.com/ajitpratap0/finlake/pkg/metrics"
	"github.com/ajitpratap0/finlake/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SyncRecord is a confirmed upload of one content hash.
type SyncRecord struct {
	RemoteID    string    `json:"remote_id"`
	Destination string    `json:"destination"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// syncState is the persisted SyncRecord store for one remote.
type syncState struct {
	Remote  string                `json:"remote"`
	Records map[string]SyncRecord `json:"records"`
}

// SyncOptions configures Sync.
type SyncOptions struct {
	DryRun bool
	// Datasets limits the sync; empty means every dataset.
	Datasets []string
}

// Item statuses in a SyncReport.
const (
	ItemSelected = "selected"
	ItemUploaded = "uploaded"
	ItemFailed   = "failed"
)

// SyncItem is one entry selected for upload.
type SyncItem struct {
	Dataset      string `json:"dataset"`
	PartitionKey string `json:"partition_key"`
	FileName     string `json:"file_name"`
	SHA256       string `json:"sha256"`
	Bytes        int64  `json:"bytes"`
	Destination  string `json:"destination"`
	RemoteID     string `json:"remote_id,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`

	path string
}

// SyncReport summarizes a sync or dry run.
type SyncReport struct {
	Remote     string              `json:"remote"`
	DryRun     bool                `json:"dry_run"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Examined   int                 `json:"examined"`
	Selected   int                 `json:"selected"`
	Uploaded   int                 `json:"uploaded"`
	Skipped    int                 `json:"skipped"`
	Failed     int                 `json:"failed"`
	Bytes      int64               `json:"bytes"`
	Items      []SyncItem          `json:"items"`
	Failures   []*errors.SyncError `json:"-"`
}

// Sync mirrors manifest entries to remote. Dry runs and real runs share the
// same selection; a dry run stops before uploading. A failed item is
// recorded in the report and the remaining items still proceed. The
// returned error is non-nil only when the sync itself could not run.
func (l *Lake) Sync(ctx context.Context, remote core.Remote, opts SyncOptions) (report *SyncReport, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanLakeSync,
		attribute.String("remote", remote.Name()),
		attribute.Bool("dry_run", opts.DryRun))
	defer func() { span.End(err) }()

	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	report = &SyncReport{Remote: remote.Name(), DryRun: opts.DryRun, StartedAt: l.clock.Now().UTC()}

	state, err := l.loadSyncState(remote.Name())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read sync records")
	}

	selected, err := l.plan(ctx, remote, state, opts, report)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		report.Items = selected
		report.FinishedAt = l.clock.Now().UTC()
		l.logReport(report)
		return report, nil
	}

	for i := range selected {
		item := &selected[i]

		if ctxErr := ctx.Err(); ctxErr != nil {
			item.Status = ItemFailed
			item.Error = ctxErr.Error()
			l.recordFailure(report, errors.SyncOpUpload, item, ctxErr)
			continue
		}

		remoteID, upErr := remote.Upload(ctx, core.LocalFile{
			Path:         item.path,
			SHA256:       item.SHA256,
			Size:         item.Bytes,
			Dataset:      item.Dataset,
			PartitionKey: item.PartitionKey,
			FileName:     item.FileName,
		}, item.Destination)
		if upErr != nil {
			item.Status = ItemFailed
			item.Error = upErr.Error()
			l.recordFailure(report, errors.SyncOpUpload, item, upErr)
			continue
		}

		item.RemoteID = remoteID
		state.Records[item.SHA256] = SyncRecord{
			RemoteID:    remoteID,
			Destination: item.Destination,
			UploadedAt:  l.clock.Now().UTC(),
		}
		if recErr := l.saveSyncState(state); recErr != nil {
			// the object is remote but unrecorded; Exists skips it next time
			delete(state.Records, item.SHA256)
			item.Status = ItemFailed
			item.Error = recErr.Error()
			l.recordFailure(report, errors.SyncOpRecord, item, recErr)
			continue
		}

		item.Status = ItemUploaded
		report.Uploaded++
		report.Bytes += item.Bytes
		metrics.SyncFiles.WithLabelValues(remote.Name(), metrics.OutcomeUploaded).Inc()
	}

	report.Items = selected
	report.FinishedAt = l.clock.Now().UTC()
	l.logReport(report)
	return report, nil
}

// plan walks every manifest entry in dataset, partition and append order
// and selects what must be uploaded: entries with no SyncRecord that the
// remote does not already hold.
func (l *Lake) plan(ctx context.Context, remote core.Remote, state *syncState, opts SyncOptions, report *SyncReport) ([]SyncItem, error) {
	datasets := opts.Datasets
	if len(datasets) == 0 {
		var err error
		if datasets, err = l.datasetNames(); err != nil {
			return nil, err
		}
	} else {
		datasets = append([]string(nil), datasets...)
		sort.Strings(datasets)
	}

	seen := make(map[string]bool)
	var selected []SyncItem

	for _, dataset := range datasets {
		ms, err := l.manifests(dataset)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read manifests of "+dataset)
		}

		for _, m := range ms {
			for _, e := range m.Entries {
				report.Examined++

				if _, ok := state.Records[e.SHA256]; ok || seen[e.SHA256] {
					report.Skipped++
					continue
				}
				seen[e.SHA256] = true

				item := SyncItem{
					Dataset:      e.Dataset,
					PartitionKey: e.PartitionKey,
					FileName:     e.FileName,
					SHA256:       e.SHA256,
					Bytes:        e.ByteSize,
					Destination:  path.Join(e.Dataset, e.PartitionKey, e.FileName),
					Status:       ItemSelected,
					path:         l.dataPath(m.Domain, e.Dataset, e.PartitionKey, e.FileName),
				}

				exists, err := remote.Exists(ctx, e.SHA256)
				if err != nil {
					l.recordFailure(report, errors.SyncOpExists, &item, err)
					continue
				}
				if exists {
					report.Skipped++
					metrics.SyncFiles.WithLabelValues(remote.Name(), metrics.OutcomeSkipped).Inc()
					continue
				}

				report.Selected++
				metrics.SyncFiles.WithLabelValues(remote.Name(), metrics.OutcomeSelected).Inc()
				selected = append(selected, item)
			}
		}
	}

	return selected, nil
}

func (l *Lake) recordFailure(report *SyncReport, op errors.SyncOp, item *SyncItem, cause error) {
	report.Failed++
	report.Failures = append(report.Failures, &errors.SyncError{Op: op, SHA256: item.SHA256, Path: item.path, Cause: cause})
	metrics.SyncFiles.WithLabelValues(report.Remote, metrics.OutcomeFailure).Inc()
	l.logger.Warn("sync item failed",
		zap.String("remote", report.Remote),
		zap.String("op", string(op)),
		zap.String("file", item.FileName),
		zap.Error(cause))
}

func (l *Lake) logReport(r *SyncReport) {
	l.logger.Info("sync finished",
		zap.String("remote", r.Remote),
		zap.Bool("dry_run", r.DryRun),
		zap.Int("examined", r.Examined),
		zap.Int("selected", r.Selected),
		zap.Int("uploaded", r.Uploaded),
		zap.Int("skipped", r.Skipped),
		zap.Int("failed", r.Failed),
		zap.Int64("bytes", r.Bytes))
}

// SyncRecords returns the confirmed uploads for remote.
func (l *Lake) SyncRecords(remote string) (map[string]SyncRecord, error) {
	state, err := l.loadSyncState(remote)
	if err != nil {
		return nil, err
	}
	return state.Records, nil
}

func (l *Lake) syncPath(remote string) string {
	return filepath.Join(l.root, manifestDir, syncDir, remote+".json")
}

func (l *Lake) loadSyncState(remote string) (*syncState, error) {
	state := &syncState{Remote: remote}
	if err := json.ReadFile(l.syncPath(remote), state); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if state.Records == nil {
		state.Records = make(map[string]SyncRecord)
	}
	return state, nil
}

func (l *Lake) saveSyncState(state *syncState) error {
	return json.WriteFile(l.syncPath(state.Remote), state)
}
