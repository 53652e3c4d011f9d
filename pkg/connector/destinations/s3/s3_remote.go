// Package s3 mirrors lake files to an Amazon S3 bucket. Every uploaded
// object gets a zero-byte marker at <prefix>/_hashes/<sha256> so presence
// can be answered without listing the bucket.
package s3

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const (
	defaultRegion         = "us-east-1"
	defaultUploadPartSize = 5 * 1024 * 1024 // 5MB
	defaultMaxConcurrency = 4
)

// Config configures the S3 remote.
type Config struct {
	Name           string
	Bucket         string
	Prefix         string
	Region         string
	UploadPartSize int64
	MaxConcurrency int
}

// objectAPI is the part of *s3.Client the remote uses.
type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// uploadAPI is the part of *manager.Uploader the remote uses.
type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Remote is an S3 mirror.
type Remote struct {
	name     string
	bucket   string
	prefix   string
	client   objectAPI
	uploader uploadAPI
	logger   *zap.Logger
}

// New loads the default AWS credential chain for the configured region and
// builds the client and multipart uploader.
func New(ctx context.Context, config Config, logger *zap.Logger) (*Remote, error) {
	if config.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "bucket is required")
	}
	if config.Region == "" {
		config.Region = defaultRegion
	}
	if config.UploadPartSize <= 0 {
		config.UploadPartSize = defaultUploadPartSize
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultMaxConcurrency
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.Region),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = config.UploadPartSize
		u.Concurrency = config.MaxConcurrency
	})

	return newRemote(config, client, uploader, logger), nil
}

func newRemote(config Config, client objectAPI, uploader uploadAPI, logger *zap.Logger) *Remote {
	name := config.Name
	if name == "" {
		name = "s3"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Remote{
		name:     name,
		bucket:   config.Bucket,
		prefix:   strings.Trim(config.Prefix, "/"),
		client:   client,
		uploader: uploader,
		logger: logger.With(
			zap.String("component", "s3_remote"),
			zap.String("bucket", config.Bucket)),
	}
}

// Name returns the remote name.
func (r *Remote) Name() string {
	return r.name
}

// Exists heads the hash marker. NotFound means absent; any other failure is
// returned so the sync can record it.
func (r *Remote) Exists(ctx context.Context, sha string) (bool, error) {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(core.HashMarker(r.prefix, sha)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrap(err, errors.ErrorTypeConnection, "failed to head hash marker")
}

// Upload streams the file through the multipart uploader, then writes the
// hash marker. The returned id is the object's s3:// URI.
func (r *Remote) Upload(ctx context.Context, file core.LocalFile, destination string) (string, error) {
	f, err := os.Open(file.Path) //nolint:gosec // G304: path comes from the lake manifest
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to open lake file")
	}
	defer f.Close()

	key := joinKey(r.prefix, destination)
	result, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.apache.parquet"),
		Metadata: map[string]string{
			"sha256":    file.SHA256,
			"dataset":   file.Dataset,
			"partition": file.PartitionKey,
		},
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload "+key)
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(r.bucket),
		Key:      aws.String(core.HashMarker(r.prefix, file.SHA256)),
		Body:     bytes.NewReader(nil),
		Metadata: map[string]string{"key": key},
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to write hash marker")
	}

	r.logger.Debug("uploaded object",
		zap.String("key", key),
		zap.String("location", result.Location),
		zap.Int64("bytes", file.Size))
	return "s3://" + r.bucket + "/" + key, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func joinKey(prefix, destination string) string {
	destination = strings.TrimLeft(destination, "/")
	if prefix == "" {
		return destination
	}
	return prefix + "/" + destination
}
