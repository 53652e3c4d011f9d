package bcb

import (
	"context"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"go.uber.org/zap"
)

func init() {
	// Register the BCB SGS source
	_ = registry.RegisterSource(sourceName, func(_ context.Context, cfg config.SourceConfig, logger *zap.Logger) (core.SourceAdapter, error) {
		return New(cfg.BaseURL, cfg.CacheTTL, logger), nil
	})

	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:        sourceName,
		Type:        string(core.ConnectorTypeSource),
		Description: "Banco Central do Brasil SGS time series",
		Datasets:    Datasets(),
	})
}
