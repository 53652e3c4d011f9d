// Package json wraps goccy/go-json for manifests, cache envelopes and run
// reports.
package json

import (
	"io"
	"os"

	"github.com/ajitpratap0/finlake/pkg/fsutil"
	gojson "github.com/goccy/go-json"
)

// RawMessage is a raw encoded JSON value.
type RawMessage = gojson.RawMessage

// Marshal is a drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a drop-in replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// MarshalToWriter encodes v to w without HTML escaping.
func MarshalToWriter(w io.Writer, v interface{}, pretty bool) error {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// WriteFile encodes v as indented JSON and replaces path atomically.
func WriteFile(path string, v interface{}) error {
	data, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadFile decodes the JSON file at path into v.
func ReadFile(path string, v interface{}) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths are built by the lake and cache
	if err != nil {
		return err
	}
	return gojson.Unmarshal(data, v)
}
