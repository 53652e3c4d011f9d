// Package registry maps source and remote names to their factories. Source
// adapters and remote mirrors register themselves from init, so importing a
// package is enough to make it available by name.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/logger"
	"go.uber.org/zap"
)

// Registry manages adapter and remote registration and instantiation
type Registry struct {
	sources map[string]SourceFactory
	remotes map[string]RemoteFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// SourceFactory creates a source adapter from its configuration. Factories
// may do network setup such as token acquisition, bounded by ctx.
type SourceFactory func(ctx context.Context, config config.SourceConfig, logger *zap.Logger) (core.SourceAdapter, error)

// RemoteFactory creates a remote mirror from its configuration.
type RemoteFactory func(ctx context.Context, config config.RemoteConfig, logger *zap.Logger) (core.Remote, error)

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		remotes: make(map[string]RemoteFactory),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// RegisterSource registers a source adapter factory
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s already registered", name))
	}

	r.sources[name] = factory
	r.logger.Debug("source registered", zap.String("name", name))
	return nil
}

// RegisterRemote registers a remote mirror factory
func (r *Registry) RegisterRemote(name string, factory RemoteFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.remotes[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("remote %s already registered", name))
	}

	r.remotes[name] = factory
	r.logger.Debug("remote registered", zap.String("name", name))
	return nil
}

// CreateSource creates a source adapter instance
func (r *Registry) CreateSource(ctx context.Context, name string, config config.SourceConfig, logger *zap.Logger) (core.SourceAdapter, error) {
	r.mu.RLock()
	factory, exists := r.sources[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s not found", name))
	}
	if logger == nil {
		logger = r.logger
	}

	adapter, err := factory(ctx, config, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create source %s", name))
	}

	return adapter, nil
}

// CreateRemote creates a remote mirror instance from config.Type
func (r *Registry) CreateRemote(ctx context.Context, config config.RemoteConfig, logger *zap.Logger) (core.Remote, error) {
	r.mu.RLock()
	factory, exists := r.remotes[config.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("remote %s not found", config.Type))
	}
	if logger == nil {
		logger = r.logger
	}

	remote, err := factory(ctx, config, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create remote %s", config.Type))
	}

	return remote, nil
}

// ListSources returns the registered source names, sorted
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.sources))
	for name := range r.sources {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	return sources
}

// ListRemotes returns the registered remote names, sorted
func (r *Registry) ListRemotes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	remotes := make([]string, 0, len(r.remotes))
	for name := range r.remotes {
		remotes = append(remotes, name)
	}
	sort.Strings(remotes)
	return remotes
}

// HasSource checks if a source is registered
func (r *Registry) HasSource(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[name]
	return exists
}

// HasRemote checks if a remote is registered
func (r *Registry) HasRemote(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.remotes[name]
	return exists
}

// Clear removes all registrations (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = make(map[string]SourceFactory)
	r.remotes = make(map[string]RemoteFactory)
}

// Global registry functions

// RegisterSource registers a source adapter in the global registry
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// RegisterRemote registers a remote mirror in the global registry
func RegisterRemote(name string, factory RemoteFactory) error {
	return globalRegistry.RegisterRemote(name, factory)
}

// CreateSource creates a source adapter from the global registry
func CreateSource(ctx context.Context, name string, config config.SourceConfig, logger *zap.Logger) (core.SourceAdapter, error) {
	return globalRegistry.CreateSource(ctx, name, config, logger)
}

// CreateRemote creates a remote mirror from the global registry
func CreateRemote(ctx context.Context, config config.RemoteConfig, logger *zap.Logger) (core.Remote, error) {
	return globalRegistry.CreateRemote(ctx, config, logger)
}

// ListSources returns registered sources from the global registry
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListRemotes returns registered remotes from the global registry
func ListRemotes() []string {
	return globalRegistry.ListRemotes()
}

// HasSource checks if a source is registered in the global registry
func HasSource(name string) bool {
	return globalRegistry.HasSource(name)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}

// ConnectorInfo describes a registered source or remote for listings.
type ConnectorInfo struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Datasets    []string `json:"datasets,omitempty"`
	Credentials []string `json:"credentials,omitempty"`
}

// ConnectorCatalog manages connector metadata
type ConnectorCatalog struct {
	connectors map[string]*ConnectorInfo
	mu         sync.RWMutex
}

// NewConnectorCatalog creates a new connector catalog
func NewConnectorCatalog() *ConnectorCatalog {
	return &ConnectorCatalog{
		connectors: make(map[string]*ConnectorInfo),
	}
}

// Register adds a connector to the catalog
func (c *ConnectorCatalog) Register(info *ConnectorInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := info.Type + "/" + info.Name
	if _, exists := c.connectors[key]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s already in catalog", key))
	}

	c.connectors[key] = info
	return nil
}

// Get retrieves connector information
func (c *ConnectorCatalog) Get(connectorType core.ConnectorType, name string) (*ConnectorInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, exists := c.connectors[string(connectorType)+"/"+name]
	if !exists {
		return nil, errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("connector %s not found in catalog", name))
	}

	return info, nil
}

// List returns all connectors in the catalog ordered by type and name
func (c *ConnectorCatalog) List() []*ConnectorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]*ConnectorInfo, 0, len(c.connectors))
	for _, info := range c.connectors {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Type != infos[j].Type {
			return infos[i].Type > infos[j].Type
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Global catalog instance
var globalCatalog = NewConnectorCatalog()

// RegisterConnectorInfo registers connector information in the global catalog
func RegisterConnectorInfo(info *ConnectorInfo) error {
	return globalCatalog.Register(info)
}

// GetConnectorInfo retrieves connector information from the global catalog
func GetConnectorInfo(connectorType core.ConnectorType, name string) (*ConnectorInfo, error) {
	return globalCatalog.Get(connectorType, name)
}

// ListConnectorInfo lists all connectors in the global catalog
func ListConnectorInfo() []*ConnectorInfo {
	return globalCatalog.List()
}
