package gcs

import (
	"context"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"go.uber.org/zap"
)

func init() {
	// Register the GCS remote
	_ = registry.RegisterRemote("gcs", func(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger) (core.Remote, error) {
		return New(ctx, Config{
			Name:            cfg.DisplayName(),
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
		}, logger)
	})

	// Register remote metadata
	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:        "gcs",
		Type:        string(core.ConnectorTypeRemote),
		Description: "Google Cloud Storage mirror with per-hash marker objects",
		Credentials: []string{"GOOGLE_APPLICATION_CREDENTIALS"},
	})
}
