package s3

import (
	"context"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"go.uber.org/zap"
)

func init() {
	// Register the S3 remote
	_ = registry.RegisterRemote("s3", func(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger) (core.Remote, error) {
		return New(ctx, Config{
			Name:           cfg.DisplayName(),
			Bucket:         cfg.Bucket,
			Prefix:         cfg.Prefix,
			Region:         cfg.Region,
			UploadPartSize: cfg.PartSizeMB * 1024 * 1024,
			MaxConcurrency: cfg.UploadParallel,
		}, logger)
	})

	// Register remote metadata
	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:        "s3",
		Type:        string(core.ConnectorTypeRemote),
		Description: "Amazon S3 mirror using the multipart uploader and per-hash marker objects",
		Credentials: []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_PROFILE"},
	})
}
