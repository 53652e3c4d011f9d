package local

import (
	"context"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"go.uber.org/zap"
)

func init() {
	_ = registry.RegisterRemote("local", func(_ context.Context, cfg config.RemoteConfig, logger *zap.Logger) (core.Remote, error) {
		return New(cfg.DisplayName(), cfg.Dir, cfg.Prefix, logger)
	})

	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:        "local",
		Type:        string(core.ConnectorTypeRemote),
		Description: "Directory mirror with the same object and hash-marker layout as the cloud remotes",
	})
}
