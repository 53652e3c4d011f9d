package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects  map[string]string
	metadata map[string]map[string]string
	failKey  string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string]string{}, metadata: map[string]map[string]string{}}
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	if key == m.failKey {
		return false, fmt.Errorf("permission denied")
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Write(_ context.Context, key string, body io.Reader, _ string, metadata map[string]string) error {
	if key == m.failKey {
		return fmt.Errorf("quota exceeded")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = string(data)
	m.metadata[key] = metadata
	return nil
}

func TestRemote_Upload(t *testing.T) {
	store := newMemStore()
	r := newRemote(Config{Bucket: "finlake-mirror", Prefix: "prod"}, store, nil)
	assert.Equal(t, "gcs", r.Name())

	path := filepath.Join(t.TempDir(), "selic.parquet")
	require.NoError(t, os.WriteFile(path, []byte("PAR1data"), 0o600))
	file := core.LocalFile{Path: path, SHA256: "f00d", Size: 8, Dataset: "selic_meta", PartitionKey: "all"}

	id, err := r.Upload(context.Background(), file, "selic_meta/all/selic.parquet")
	require.NoError(t, err)
	assert.Equal(t, "gs://finlake-mirror/prod/selic_meta/all/selic.parquet", id)
	assert.Equal(t, "PAR1data", store.objects["prod/selic_meta/all/selic.parquet"])
	assert.Equal(t, "f00d", store.metadata["prod/selic_meta/all/selic.parquet"]["sha256"])

	ok, err := r.Exists(context.Background(), "f00d")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Exists(context.Background(), "beef")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, r.Close())
}

func TestRemote_Failures(t *testing.T) {
	store := newMemStore()
	store.failKey = "_hashes/bad"
	r := newRemote(Config{Bucket: "b"}, store, nil)

	_, err := r.Exists(context.Background(), "bad")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "x.parquet")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err = r.Upload(context.Background(), core.LocalFile{Path: path, SHA256: "bad"}, "d/all/x.parquet")
	assert.Error(t, err, "a failed marker write fails the upload")

	_, err = r.Upload(context.Background(), core.LocalFile{Path: filepath.Join(t.TempDir(), "missing")}, "d/all/y.parquet")
	assert.Error(t, err)
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.Error(t, err)
}
