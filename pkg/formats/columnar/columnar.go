// Package columnar encodes dataset batches as Parquet for the lake and
// reads them back for verification.
package columnar

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/parquet/compress"
)

// Format represents a columnar storage format
type Format string

const (
	// Parquet is Apache Parquet format
	Parquet Format = "parquet"
)

// Extension returns the file extension for the format, with the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// WriterConfig configures Parquet encoding.
type WriterConfig struct {
	Compression  string `yaml:"compression" json:"compression"`
	RowGroupSize int64  `yaml:"row_group_size" json:"row_group_size"`
	PageSize     int64  `yaml:"page_size" json:"page_size"`
	Dictionary   bool   `yaml:"dictionary" json:"dictionary"`
}

// DefaultWriterConfig returns snappy with dictionary encoding.
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		Compression:  "snappy",
		RowGroupSize: 1 << 20,
		PageSize:     1 << 20,
		Dictionary:   true,
	}
}

// Metadata describes an encoded file.
type Metadata struct {
	Format      Format
	RowCount    int64
	ColumnCount int
	RowGroups   int
}

func parquetCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported parquet compression: %s", name)
	}
}
