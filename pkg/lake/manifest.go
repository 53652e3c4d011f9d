package lake

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ajitpratap0/finlake/pkg/json"
)

// IngestionStatus values recorded on manifest entries.
const (
	StatusSuccess = "success"
)

// ManifestEntry describes one content-addressed file in a partition. Its
// JSON form is stable across versions.
type ManifestEntry struct {
	Dataset         string    `json:"dataset"`
	PartitionKey    string    `json:"partition_key"`
	FileName        string    `json:"file_name"`
	SHA256          string    `json:"sha256"`
	RowCount        int64     `json:"row_count"`
	ColumnCount     int       `json:"column_count"`
	ByteSize        int64     `json:"byte_size"`
	CreatedAt       time.Time `json:"created_at"`
	SourceURL       string    `json:"source_url"`
	IngestionStatus string    `json:"ingestion_status"`
}

// Manifest is the authoritative, append-only list of files in a partition.
type Manifest struct {
	Dataset      string          `json:"dataset"`
	Domain       string          `json:"domain"`
	PartitionKey string          `json:"partition_key"`
	Entries      []ManifestEntry `json:"entries"`
}

// Find returns the entry with the given hash.
func (m *Manifest) Find(sha256 string) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.SHA256 == sha256 {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

func (l *Lake) manifestPath(dataset, partition string) string {
	return filepath.Join(l.root, manifestDir, dataset, filepath.FromSlash(partition), manifestFile)
}

// loadManifest returns an empty manifest when none exists yet.
func (l *Lake) loadManifest(dataset, partition string) (*Manifest, error) {
	m := &Manifest{Dataset: dataset, PartitionKey: partition}
	if err := json.ReadFile(l.manifestPath(dataset, partition), m); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	return m, nil
}

func (l *Lake) saveManifest(m *Manifest) error {
	return json.WriteFile(l.manifestPath(m.Dataset, m.PartitionKey), m)
}

// manifests loads every partition manifest of dataset, ordered by
// partition key.
func (l *Lake) manifests(dataset string) ([]*Manifest, error) {
	base := filepath.Join(l.root, manifestDir, dataset)

	var out []*Manifest
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || d.Name() != manifestFile {
			return nil
		}

		var m Manifest
		if err := json.ReadFile(path, &m); err != nil {
			return err
		}
		out = append(out, &m)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out, nil
}
