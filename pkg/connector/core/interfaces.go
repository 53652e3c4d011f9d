package core

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"
)

// ConnectorType distinguishes source adapters from remote mirrors
type ConnectorType string

const (
	ConnectorTypeSource ConnectorType = "source"
	ConnectorTypeRemote ConnectorType = "remote"
)

// Request is one logical fetch against a source API.
type Request struct {
	Source  string
	Dataset string
	Method  string
	URL     string
	Params  url.Values
	Headers map[string]string
	// RelevantHeaders names headers that change the response and therefore
	// take part in the cache fingerprint.
	RelevantHeaders []string
	// TTL overrides the cache default when non-zero.
	TTL time.Duration
}

// FullURL returns URL with Params merged into its query string.
func (r *Request) FullURL() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", err
	}
	if len(r.Params) == 0 {
		return u.String(), nil
	}

	q := u.Query()
	for k, vs := range r.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sensitiveParams are query parameters never written to logs, errors or
// manifests.
var sensitiveParams = []string{"api_key", "apikey", "token", "access_token", "client_secret"}

// RedactedURL returns FullURL with credential parameters masked. It falls
// back to URL when the request cannot be parsed.
func (r *Request) RedactedURL() string {
	full, err := r.FullURL()
	if err != nil {
		return r.URL
	}
	u, err := url.Parse(full)
	if err != nil {
		return r.URL
	}

	q := u.Query()
	redacted := false
	for _, name := range sensitiveParams {
		if q.Has(name) {
			q.Set(name, "REDACTED")
			redacted = true
		}
	}
	if redacted {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// HTTPMethod returns Method upper-cased, defaulting to GET.
func (r *Request) HTTPMethod() string {
	if r.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Method)
}

// Schema represents the data schema
type Schema struct {
	Name        string
	Description string
	Fields      []Field
}

// Field represents a field in the schema
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Nullable    bool
}

// FieldType represents the data type of a field
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeDate      FieldType = "date"
)

// FieldNames returns the schema's field names in order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Row is one normalized record keyed by field name.
type Row map[string]interface{}

// DatasetBatch is the tabular output of an adapter.
type DatasetBatch struct {
	Source    string
	Dataset   string
	Domain    string
	Schema    *Schema
	Rows      []Row
	SourceURL string
	// TimeField names the timestamp or date field used for partitioning.
	// Empty means the batch is not time partitioned.
	TimeField string
}

// NumRows returns the number of rows in the batch.
func (b *DatasetBatch) NumRows() int {
	return len(b.Rows)
}

// NumColumns returns the number of schema fields.
func (b *DatasetBatch) NumColumns() int {
	if b.Schema == nil {
		return 0
	}
	return len(b.Schema.Fields)
}

// Job asks a source for one dataset over a date range.
type Job struct {
	Source  string            `yaml:"source" json:"source"`
	Dataset string            `yaml:"dataset" json:"dataset"`
	Start   time.Time         `yaml:"start" json:"start"`
	End     time.Time         `yaml:"end" json:"end"`
	Params  map[string]string `yaml:"params" json:"params,omitempty"`
}

// Adapter turns a raw payload into a DatasetBatch. Adapters never perform
// I/O; they receive payloads fetched by a Connector.
type Adapter interface {
	Parse(payload []byte) (*DatasetBatch, error)
}

// Planner builds the requests needed for a job.
type Planner interface {
	Requests(job Job) ([]*Request, error)
}

// SourceAdapter is what a source package registers: a planner plus a parser.
type SourceAdapter interface {
	Adapter
	Planner
	Name() string
	Domain() string
}

// LocalFile is a lake file offered to a remote mirror.
type LocalFile struct {
	Path         string
	SHA256       string
	Size         int64
	Dataset      string
	PartitionKey string
	FileName     string
}

// Remote is a mirror that can report whether content is present and accept
// uploads. Implementations never need to know about manifests.
type Remote interface {
	Name() string
	Exists(ctx context.Context, sha256 string) (bool, error)
	Upload(ctx context.Context, file LocalFile, destination string) (remoteID string, err error)
}

// HashMarker returns the key of the zero-byte object a remote keeps for
// every uploaded content hash. Exists is answered from the marker alone.
func HashMarker(prefix, sha256 string) string {
	return path.Join(prefix, "_hashes", sha256)
}
