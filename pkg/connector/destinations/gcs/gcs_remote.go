// Package gcs mirrors lake files to a Google Cloud Storage bucket with the
// same <prefix>/_hashes/<sha256> marker layout as the S3 remote.
package gcs

import (
	"context"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Config configures the GCS remote.
type Config struct {
	Name            string
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// objectStore is the bucket surface the remote needs.
type objectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Write(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error
}

// bucketStore adapts a storage.BucketHandle.
type bucketStore struct {
	bucket *storage.BucketHandle
}

func (b bucketStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.bucket.Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (b bucketStore) Write(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error {
	writer := b.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata

	if _, err := io.Copy(writer, body); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// Remote is a GCS mirror.
type Remote struct {
	name   string
	bucket string
	prefix string
	store  objectStore
	client *storage.Client
	logger *zap.Logger
}

// New creates the storage client. Without a credentials file the default
// application credentials are used.
func New(ctx context.Context, config Config, logger *zap.Logger) (*Remote, error) {
	if config.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}

	r := newRemote(config, bucketStore{bucket: client.Bucket(config.Bucket)}, logger)
	r.client = client
	return r, nil
}

func newRemote(config Config, store objectStore, logger *zap.Logger) *Remote {
	name := config.Name
	if name == "" {
		name = "gcs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Remote{
		name:   name,
		bucket: config.Bucket,
		prefix: strings.Trim(config.Prefix, "/"),
		store:  store,
		logger: logger.With(zap.String("component", "gcs_remote"), zap.String("bucket", config.Bucket)),
	}
}

// Name returns the remote name.
func (r *Remote) Name() string {
	return r.name
}

// Exists reads the attributes of the hash marker.
func (r *Remote) Exists(ctx context.Context, sha string) (bool, error) {
	ok, err := r.store.Exists(ctx, core.HashMarker(r.prefix, sha))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read hash marker")
	}
	return ok, nil
}

// Upload writes the object, then its hash marker. The returned id is the
// object's gs:// URI.
func (r *Remote) Upload(ctx context.Context, file core.LocalFile, destination string) (string, error) {
	f, err := os.Open(file.Path) //nolint:gosec // G304: path comes from the lake manifest
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to open lake file")
	}
	defer f.Close()

	key := strings.TrimLeft(destination, "/")
	if r.prefix != "" {
		key = r.prefix + "/" + key
	}

	err = r.store.Write(ctx, key, f, "application/vnd.apache.parquet", map[string]string{
		"sha256":    file.SHA256,
		"dataset":   file.Dataset,
		"partition": file.PartitionKey,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload "+key)
	}

	err = r.store.Write(ctx, core.HashMarker(r.prefix, file.SHA256), strings.NewReader(""), "text/plain", map[string]string{"key": key})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to write hash marker")
	}

	r.logger.Debug("uploaded object", zap.String("key", key), zap.Int64("bytes", file.Size))
	return "gs://" + r.bucket + "/" + key, nil
}

// Close releases the storage client.
func (r *Remote) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
