package anbima

import (
	"context"

	"github.com/ajitpratap0/finlake/pkg/clients"
	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"go.uber.org/zap"
)

func init() {
	// Register the ANBIMA source
	_ = registry.RegisterSource(sourceName, func(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger) (core.SourceAdapter, error) {
		oauth := cfg.OAuth2()
		if oauth.TokenURL == "" {
			oauth.TokenURL = defaultTokenURL
		}
		oauth.BasicAuth = true

		tokens, err := clients.NewTokenProvider(ctx, oauth, nil, logger)
		if err != nil {
			return nil, err
		}
		return New(cfg.BaseURL, cfg.CacheTTL, tokens, logger)
	})

	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:        sourceName,
		Type:        string(core.ConnectorTypeSource),
		Description: "ANBIMA Data API funds, fixed income and indices",
		Datasets:    Datasets(),
		Credentials: []string{"ANBIMA_CLIENT_ID", "ANBIMA_CLIENT_SECRET"},
	})
}
