package json

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manifestLike struct {
	Dataset   string    `json:"dataset"`
	RowCount  int       `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
}

func TestWriteAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "manifest.json")
	in := manifestLike{Dataset: "cpi", RowCount: 12, CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}

	require.NoError(t, WriteFile(path, in))

	var out manifestLike
	require.NoError(t, ReadFile(path, &out))
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestMarshalToWriterKeepsHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MarshalToWriter(&buf, map[string]string{"url": "https://x/?a=1&b=2"}, false))
	assert.Contains(t, buf.String(), "a=1&b=2")
}
