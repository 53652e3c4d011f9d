// Package lake stores normalized batches as partitioned, content-addressed
// Parquet files with per-partition manifests, and mirrors them to a remote
// store by incremental, hash-deduplicated sync.
//
// Layout under the root directory:
//
//	raw/<source>/<YYYY>/<MM>/<name>
//	curated/<domain>/<dataset>/<partition>/<dataset>_<YYYYMMDD>_<sha12>.parquet
//	manifests/<dataset>/<partition>/manifest.json
//	manifests/_sync/<remote>.json
package lake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/formats/columnar"
	"github.com/ajitpratap0/finlake/pkg/fsutil"
	"github.com/ajitpratap0/finlake/pkg/metrics"
	"github.com/ajitpratap0/finlake/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	rawDir       = "raw"
	curatedDir   = "curated"
	manifestDir  = "manifests"
	syncDir      = "_sync"
	manifestFile = "manifest.json"

	defaultDomain = "default"
)

// Config configures a Lake.
type Config struct {
	Root    string                 `yaml:"root" json:"root"`
	Parquet *columnar.WriterConfig `yaml:"parquet" json:"parquet"`
}

// Lake is safe for concurrent use. Writers to the same partition serialize
// on that partition's lock; different partitions never contend.
type Lake struct {
	root    string
	parquet *columnar.WriterConfig
	clock   clock.Clock
	logger  *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// syncMu serializes syncs so each remote's record file has one writer.
	syncMu sync.Mutex
}

// New creates the lake directories under config.Root.
func New(config Config, clk clock.Clock, logger *zap.Logger) (*Lake, error) {
	if config.Root == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "lake root is required")
	}
	for _, dir := range []string{rawDir, curatedDir, manifestDir} {
		if err := os.MkdirAll(filepath.Join(config.Root, dir), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create lake directory")
		}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pq := config.Parquet
	if pq == nil {
		pq = columnar.DefaultWriterConfig()
	}

	return &Lake{
		root:    config.Root,
		parquet: pq,
		clock:   clk,
		logger:  logger.With(zap.String("component", "lake")),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the lake root directory.
func (l *Lake) Root() string {
	return l.root
}

// Write partitions batch, stores one Parquet file per partition and appends
// it to that partition's manifest. A partition whose content hash is already
// in its manifest is not rewritten; its existing entry is returned.
//
// A failing partition yields a ManifestWriteError in the joined error while
// the others proceed; entries holds every partition that succeeded. A batch
// without rows writes nothing.
func (l *Lake) Write(ctx context.Context, batch *core.DatasetBatch) (entries []ManifestEntry, err error) {
	if batch == nil || batch.Dataset == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "batch has no dataset")
	}
	if strings.ContainsAny(batch.Dataset, `/\`) || batch.Dataset == syncDir {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid dataset name %q", batch.Dataset)
	}
	if batch.NumRows() == 0 {
		l.logger.Debug("empty batch, nothing to write", zap.String("dataset", batch.Dataset))
		return nil, nil
	}
	if batch.Schema == nil || len(batch.Schema.Fields) == 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "batch %s has no schema", batch.Dataset)
	}

	_, span := observability.StartSpan(ctx, observability.SpanLakeWrite,
		attribute.String("dataset", batch.Dataset),
		attribute.Int("rows", batch.NumRows()))
	defer func() { span.End(err) }()

	var errs []error
	for _, p := range partitionRows(batch) {
		entry, werr := l.writePartition(batch, p)
		if werr != nil {
			metrics.LakeFiles.WithLabelValues(batch.Dataset, metrics.OutcomeFailure).Inc()
			l.logger.Error("partition write failed",
				zap.String("dataset", batch.Dataset),
				zap.String("partition", p.key),
				zap.Error(werr))
			errs = append(errs, werr)
			continue
		}
		entries = append(entries, entry)
	}

	span.SetAttribute("partitions", len(entries))
	return entries, errors.Join(errs...)
}

func (l *Lake) writePartition(batch *core.DatasetBatch, p *partition) (ManifestEntry, error) {
	fail := func(path string, cause error) error {
		return &errors.ManifestWriteError{Dataset: batch.Dataset, Partition: p.key, Path: path, Cause: cause}
	}

	data, err := columnar.EncodeParquet(batch.Schema, p.rows, l.parquet)
	if err != nil {
		return ManifestEntry{}, fail("", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	unlock := l.lockPartition(batch.Dataset, p.key)
	defer unlock()

	manifest, err := l.loadManifest(batch.Dataset, p.key)
	if err != nil {
		return ManifestEntry{}, fail(l.manifestPath(batch.Dataset, p.key), err)
	}
	if existing, ok := manifest.Find(hash); ok {
		metrics.LakeFiles.WithLabelValues(batch.Dataset, metrics.OutcomeDeduplicated).Inc()
		l.logger.Debug("content already in manifest",
			zap.String("dataset", batch.Dataset),
			zap.String("partition", p.key),
			zap.String("sha256", hash))
		return existing, nil
	}

	domain := batch.Domain
	if domain == "" {
		domain = manifest.Domain
	}
	if manifest.Domain != "" && domain != manifest.Domain {
		// earlier entries live under curated/<manifest.Domain>
		return ManifestEntry{}, fail(l.manifestPath(batch.Dataset, p.key),
			errors.Newf(errors.ErrorTypeValidation, "dataset %s is stored under domain %q, batch has %q",
				batch.Dataset, manifest.Domain, domain))
	}
	if domain == "" {
		domain = defaultDomain
	}

	stamp := p.date
	if stamp.IsZero() {
		stamp = l.clock.Now().UTC()
	}
	fileName := fmt.Sprintf("%s_%s_%s%s", batch.Dataset, stamp.Format("20060102"), hash[:12], columnar.Parquet.Extension())
	path := l.dataPath(domain, batch.Dataset, p.key, fileName)

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return ManifestEntry{}, fail(path, err)
	}

	entry := ManifestEntry{
		Dataset:         batch.Dataset,
		PartitionKey:    p.key,
		FileName:        fileName,
		SHA256:          hash,
		RowCount:        int64(len(p.rows)),
		ColumnCount:     batch.NumColumns(),
		ByteSize:        int64(len(data)),
		CreatedAt:       l.clock.Now().UTC(),
		SourceURL:       batch.SourceURL,
		IngestionStatus: StatusSuccess,
	}

	manifest.Domain = domain
	manifest.Entries = append(manifest.Entries, entry)
	if err := l.saveManifest(manifest); err != nil {
		// an unlisted file is harmless: the next write with the same
		// content overwrites it and records it
		return ManifestEntry{}, fail(l.manifestPath(batch.Dataset, p.key), err)
	}

	metrics.LakeFiles.WithLabelValues(batch.Dataset, metrics.OutcomeWritten).Inc()
	metrics.LakeBytes.WithLabelValues(batch.Dataset).Add(float64(len(data)))
	l.logger.Info("wrote lake file",
		zap.String("dataset", batch.Dataset),
		zap.String("partition", p.key),
		zap.String("file", fileName),
		zap.Int64("rows", entry.RowCount),
		zap.Int64("bytes", entry.ByteSize))

	return entry, nil
}

// SaveRaw stores an unparsed payload under raw/<source>/<YYYY>/<MM>/name.
func (l *Lake) SaveRaw(source, name string, payload []byte) (string, error) {
	if source == "" || name == "" || strings.ContainsAny(source+name, `/\`) {
		return "", errors.Newf(errors.ErrorTypeValidation, "invalid raw path %q/%q", source, name)
	}

	now := l.clock.Now().UTC()
	path := filepath.Join(l.root, rawDir, source, now.Format("2006"), now.Format("01"), name)
	if err := fsutil.WriteFileAtomic(path, payload, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to save raw payload")
	}

	l.logger.Info("saved raw payload", zap.String("path", path), zap.Int("bytes", len(payload)))
	return path, nil
}

// DatasetInfo summarizes one dataset.
type DatasetInfo struct {
	Dataset    string `json:"dataset"`
	Domain     string `json:"domain"`
	Partitions int    `json:"partitions"`
	Files      int    `json:"files"`
	Rows       int64  `json:"rows"`
	Bytes      int64  `json:"bytes"`
}

// Datasets lists every dataset with a manifest, sorted by name.
func (l *Lake) Datasets() ([]DatasetInfo, error) {
	names, err := l.datasetNames()
	if err != nil {
		return nil, err
	}

	out := make([]DatasetInfo, 0, len(names))
	for _, name := range names {
		ms, err := l.manifests(name)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read manifests of "+name)
		}
		info := DatasetInfo{Dataset: name, Partitions: len(ms)}
		for _, m := range ms {
			if info.Domain == "" {
				info.Domain = m.Domain
			}
			for _, e := range m.Entries {
				info.Files++
				info.Rows += e.RowCount
				info.Bytes += e.ByteSize
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Entries returns every manifest entry of dataset ordered by partition, in
// append order within a partition.
func (l *Lake) Entries(dataset string) ([]ManifestEntry, error) {
	ms, err := l.manifests(dataset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read manifests of "+dataset)
	}

	var out []ManifestEntry
	for _, m := range ms {
		out = append(out, m.Entries...)
	}
	return out, nil
}

// VerifyIssue is a manifest entry whose file does not match.
type VerifyIssue struct {
	Entry   ManifestEntry `json:"entry"`
	Path    string        `json:"path"`
	Problem string        `json:"problem"`
}

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Dataset string        `json:"dataset"`
	Checked int           `json:"checked"`
	OK      int           `json:"ok"`
	Issues  []VerifyIssue `json:"issues,omitempty"`
}

// Verify re-hashes every file of dataset, decodes it and checks size and
// row count against its manifest entry.
func (l *Lake) Verify(ctx context.Context, dataset string) (*VerifyReport, error) {
	ms, err := l.manifests(dataset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read manifests of "+dataset)
	}
	if len(ms) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "dataset %s not found", dataset)
	}

	report := &VerifyReport{Dataset: dataset}
	for _, m := range ms {
		for _, e := range m.Entries {
			report.Checked++
			path := l.dataPath(m.Domain, e.Dataset, e.PartitionKey, e.FileName)

			if err := ctx.Err(); err != nil {
				return report, err
			}
			if problem := verifyFile(ctx, path, e); problem != "" {
				report.Issues = append(report.Issues, VerifyIssue{Entry: e, Path: path, Problem: problem})
				continue
			}
			report.OK++
		}
	}

	if len(report.Issues) > 0 {
		l.logger.Warn("lake verification found mismatches",
			zap.String("dataset", dataset),
			zap.Int("issues", len(report.Issues)))
	}
	return report, nil
}

func verifyFile(ctx context.Context, path string, e ManifestEntry) string {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path built from the manifest
	if err != nil {
		if os.IsNotExist(err) {
			return "missing"
		}
		return err.Error()
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != e.SHA256 {
		return "sha256 mismatch"
	}
	if int64(len(data)) != e.ByteSize {
		return "size mismatch"
	}

	md, err := columnar.InspectParquet(data)
	if err != nil {
		return err.Error()
	}
	if md.RowCount != e.RowCount {
		return fmt.Sprintf("row count %d, manifest says %d", md.RowCount, e.RowCount)
	}

	_, rows, err := columnar.DecodeParquet(ctx, data)
	if err != nil {
		return err.Error()
	}
	if int64(len(rows)) != e.RowCount {
		return fmt.Sprintf("decoded %d rows, manifest says %d", len(rows), e.RowCount)
	}
	return ""
}

func (l *Lake) datasetNames() ([]string, error) {
	dirs, err := os.ReadDir(filepath.Join(l.root, manifestDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to list datasets")
	}

	var names []string
	for _, d := range dirs {
		if d.IsDir() && d.Name() != syncDir {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Lake) dataPath(domain, dataset, partition, fileName string) string {
	if domain == "" {
		domain = defaultDomain
	}
	return filepath.Join(l.root, curatedDir, domain, dataset, filepath.FromSlash(partition), fileName)
}

// lockPartition takes the lock for one dataset partition and returns its
// release func.
func (l *Lake) lockPartition(dataset, partition string) func() {
	key := dataset + "|" + partition

	l.locksMu.Lock()
	mu, ok := l.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[key] = mu
	}
	l.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
