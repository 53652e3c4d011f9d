package fred

import (
	"context"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"go.uber.org/zap"
)

func init() {
	// Register the FRED source
	_ = registry.RegisterSource(sourceName, func(_ context.Context, cfg config.SourceConfig, logger *zap.Logger) (core.SourceAdapter, error) {
		return New(cfg.BaseURL, cfg.APIKey, cfg.CacheTTL, logger)
	})

	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:        sourceName,
		Type:        string(core.ConnectorTypeSource),
		Description: "Federal Reserve Economic Data series observations",
		Datasets:    Datasets(),
		Credentials: []string{"FRED_API_KEY"},
	})
}
