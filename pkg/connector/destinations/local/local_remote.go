// Package local mirrors lake files into another directory, using the same
// object and hash-marker layout as the cloud remotes.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/fsutil"
	"go.uber.org/zap"
)

// Remote is a directory mirror.
type Remote struct {
	name   string
	dir    string
	prefix string
	logger *zap.Logger
}

// New creates the mirror directory if needed.
func New(name, dir, prefix string, logger *zap.Logger) (*Remote, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "local remote requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create mirror directory")
	}
	if name == "" {
		name = "local"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Remote{
		name:   name,
		dir:    dir,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(zap.String("component", "local_remote"), zap.String("remote", name)),
	}, nil
}

// Name returns the remote name.
func (r *Remote) Name() string {
	return r.name
}

// Exists reports whether the hash marker is present.
func (r *Remote) Exists(ctx context.Context, sha string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(r.path(core.HashMarker(r.prefix, sha)))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Wrap(err, errors.ErrorTypeFile, "failed to stat hash marker")
	}
}

// Upload copies the file to destination after checking its hash, then
// writes the marker. The returned id is the object key.
func (r *Remote) Upload(ctx context.Context, file core.LocalFile, destination string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(file.Path) //nolint:gosec // G304: path comes from the lake manifest
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to read lake file")
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != file.SHA256 {
		return "", errors.Newf(errors.ErrorTypeData, "lake file %s changed: sha256 %s, manifest says %s", file.FileName, got, file.SHA256)
	}

	key := joinKey(r.prefix, destination)
	if err := fsutil.WriteFileAtomic(r.path(key), data, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to write mirror object")
	}
	if err := fsutil.WriteFileAtomic(r.path(core.HashMarker(r.prefix, file.SHA256)), []byte(key), 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to write hash marker")
	}

	r.logger.Debug("mirrored file", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

func (r *Remote) path(key string) string {
	return filepath.Join(r.dir, filepath.FromSlash(key))
}

func joinKey(prefix, destination string) string {
	destination = strings.TrimLeft(destination, "/")
	if prefix == "" {
		return destination
	}
	return prefix + "/" + destination
}
