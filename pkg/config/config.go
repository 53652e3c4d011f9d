// Package config holds the finlake configuration: the fetch layer, the
// per-source rate profiles, the response cache, the lake, the remote mirror
// and the jobs of a run.
//
// Configuration is read from YAML with ${VAR_NAME} substitution, layered
// over Default():
//
//	cfg, err := config.LoadFile("finlake.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Sources that appear in the file but leave fields unset inherit the
// built-in profile of the same name.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ajitpratap0/finlake/pkg/cache"
	"github.com/ajitpratap0/finlake/pkg/clients"
	"github.com/ajitpratap0/finlake/pkg/compression"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/formats/columnar"
	"github.com/ajitpratap0/finlake/pkg/lake"
	"github.com/ajitpratap0/finlake/pkg/logger"
	"github.com/ajitpratap0/finlake/pkg/observability"
)

// Config is the complete finlake configuration.
type Config struct {
	Logging       logger.Config           `yaml:"logging" json:"logging"`
	HTTP          clients.HTTPConfig      `yaml:"http" json:"http"`
	Retry         clients.RetryPolicy     `yaml:"retry" json:"retry"`
	UserAgents    []string                `yaml:"user_agents" json:"user_agents,omitempty"`
	Cache         cache.Config            `yaml:"cache" json:"cache"`
	Sources       map[string]SourceConfig `yaml:"sources" json:"sources"`
	Lake          lake.Config             `yaml:"lake" json:"lake"`
	Remote        RemoteConfig            `yaml:"remote" json:"remote"`
	Jobs          []core.Job              `yaml:"jobs" json:"jobs"`
	Run           RunConfig               `yaml:"run" json:"run"`
	Observability ObservabilityConfig     `yaml:"observability" json:"observability"`
}

// SourceConfig describes one upstream API: where it lives, how fast it may
// be called and the credentials it needs.
type SourceConfig struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
	JitterMin   time.Duration `yaml:"jitter_min" json:"jitter_min"`
	JitterMax   time.Duration `yaml:"jitter_max" json:"jitter_max"`
	// CacheTTL overrides the cache default for this source's responses.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	RequiresCredentials bool     `yaml:"requires_credentials" json:"requires_credentials"`
	APIKey              string   `yaml:"api_key" json:"-"`
	ClientID            string   `yaml:"client_id" json:"client_id,omitempty"`
	ClientSecret        string   `yaml:"client_secret" json:"-"`
	TokenURL            string   `yaml:"token_url" json:"token_url,omitempty"`
	Scopes              []string `yaml:"scopes" json:"scopes,omitempty"`
}

// RateProfile returns the limiter budget of the source.
func (s SourceConfig) RateProfile() clients.RateProfile {
	return clients.RateProfile{
		MaxRequests: s.MaxRequests,
		Window:      s.Window,
		JitterMin:   s.JitterMin,
		JitterMax:   s.JitterMax,
	}
}

// OAuth2 returns the client credentials of the source.
func (s SourceConfig) OAuth2() clients.OAuth2Config {
	return clients.OAuth2Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		TokenURL:     s.TokenURL,
		Scopes:       s.Scopes,
	}
}

// HasCredentials reports whether an API key or a client id/secret pair is
// configured.
func (s SourceConfig) HasCredentials() bool {
	return s.APIKey != "" || (s.ClientID != "" && s.ClientSecret != "")
}

// RemoteConfig selects and configures the remote mirror.
type RemoteConfig struct {
	// Type is a registered remote name: local, s3 or gcs.
	Type            string `yaml:"type" json:"type"`
	Name            string `yaml:"name" json:"name"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	Region          string `yaml:"region" json:"region"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file,omitempty"`
	// Dir is the target directory of the local mirror.
	Dir            string `yaml:"dir" json:"dir"`
	PartSizeMB     int64  `yaml:"part_size_mb" json:"part_size_mb"`
	UploadParallel int    `yaml:"upload_parallel" json:"upload_parallel"`
}

// Configured reports whether a remote is selected.
func (r RemoteConfig) Configured() bool {
	return r.Type != ""
}

// DisplayName returns Name, defaulting to Type. It keys the sync records of
// the remote.
func (r RemoteConfig) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Type
}

// RunConfig holds the defaults of an ingestion run.
type RunConfig struct {
	UseCache     bool          `yaml:"use_cache" json:"use_cache"`
	SaveRaw      bool          `yaml:"save_raw" json:"save_raw"`
	SyncAfterRun bool          `yaml:"sync_after_run" json:"sync_after_run"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	ReportPath   string        `yaml:"report_path" json:"report_path"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsAddr string                      `yaml:"metrics_addr" json:"metrics_addr"`
	Tracing     observability.TracingConfig `yaml:"tracing" json:"tracing"`
}

// defaultProfiles are the published or observed budgets of the supported
// sources.
var defaultProfiles = map[string]SourceConfig{
	"bcb": {
		BaseURL:     "https://www3.bcb.gov.br/sgspub/consultarvalores",
		MaxRequests: 100,
		Window:      60 * time.Second,
		JitterMin:   500 * time.Millisecond,
		JitterMax:   1500 * time.Millisecond,
	},
	"fred": {
		BaseURL:             "https://api.stlouisfed.org/fred",
		MaxRequests:         100,
		Window:              60 * time.Second,
		JitterMin:           500 * time.Millisecond,
		JitterMax:           1500 * time.Millisecond,
		RequiresCredentials: true,
		APIKey:              "${FRED_API_KEY}",
	},
	"anbima": {
		BaseURL:             "https://data.anbima.com.br/api",
		MaxRequests:         50,
		Window:              60 * time.Second,
		JitterMin:           time.Second,
		JitterMax:           2 * time.Second,
		RequiresCredentials: true,
		ClientID:            "${ANBIMA_CLIENT_ID}",
		ClientSecret:        "${ANBIMA_CLIENT_SECRET}",
		TokenURL:            "https://auth.anbima.com.br/oauth/token",
	},
}

// Default returns the built-in configuration.
func Default() *Config {
	sources := make(map[string]SourceConfig, len(defaultProfiles))
	for name, p := range defaultProfiles {
		sources[name] = expandSource(p)
	}

	return &Config{
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		HTTP:    *clients.DefaultHTTPConfig(),
		Retry:   *clients.DefaultRetryPolicy(),
		Sources: sources,
		Cache: cache.Config{
			Dir:           "data/cache",
			TTL:           24 * time.Hour,
			Compression:   compression.Zstd,
			MemoryEntries: 256,
		},
		Lake: lake.Config{
			Root:    "data/lake",
			Parquet: columnar.DefaultWriterConfig(),
		},
		Run: RunConfig{
			UseCache: true,
			Timeout:  30 * time.Minute,
		},
		Observability: ObservabilityConfig{
			Tracing: observability.DefaultTracingConfig(),
		},
	}
}

// expandSource resolves ${VAR} references in credential fields.
func expandSource(s SourceConfig) SourceConfig {
	s.APIKey = substituteEnvVars(s.APIKey)
	s.ClientID = substituteEnvVars(s.ClientID)
	s.ClientSecret = substituteEnvVars(s.ClientSecret)
	return s
}

// mergeDefaults fills fields a loaded source left unset from the built-in
// profile of the same name.
func (c *Config) mergeDefaults() {
	for name, s := range c.Sources {
		def, ok := defaultProfiles[name]
		if !ok {
			continue
		}
		def = expandSource(def)

		if s.BaseURL == "" {
			s.BaseURL = def.BaseURL
		}
		if s.MaxRequests == 0 {
			s.MaxRequests = def.MaxRequests
		}
		if s.Window == 0 {
			s.Window = def.Window
		}
		if s.JitterMin == 0 && s.JitterMax == 0 {
			s.JitterMin, s.JitterMax = def.JitterMin, def.JitterMax
		}
		if def.RequiresCredentials {
			s.RequiresCredentials = true
		}
		if s.APIKey == "" {
			s.APIKey = def.APIKey
		}
		if s.ClientID == "" {
			s.ClientID = def.ClientID
		}
		if s.ClientSecret == "" {
			s.ClientSecret = def.ClientSecret
		}
		if s.TokenURL == "" {
			s.TokenURL = def.TokenURL
		}
		c.Sources[name] = s
	}
}

// RateProfiles returns the limiter budget of every configured source.
func (c *Config) RateProfiles() map[string]clients.RateProfile {
	out := make(map[string]clients.RateProfile, len(c.Sources))
	for name, s := range c.Sources {
		out[name] = s.RateProfile()
	}
	return out
}

// SourceNames returns the configured sources, sorted.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports configuration errors. Missing credentials are not an
// error here: they only matter for the sources a run actually uses, see
// ValidateJobs.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Sources) == 0 {
		problems = append(problems, "no sources configured")
	}
	for _, name := range c.SourceNames() {
		s := c.Sources[name]
		if s.MaxRequests <= 0 {
			problems = append(problems, fmt.Sprintf("source %s: max_requests must be positive", name))
		}
		if s.Window <= 0 {
			problems = append(problems, fmt.Sprintf("source %s: window must be positive", name))
		}
		if s.JitterMin < 0 || s.JitterMax < s.JitterMin {
			problems = append(problems, fmt.Sprintf("source %s: jitter range is invalid", name))
		}
	}

	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		problems = append(problems, "retry delays cannot be negative")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}
	if c.Cache.Dir == "" {
		problems = append(problems, "cache.dir is required")
	}
	if _, err := compression.ParseAlgorithm(string(c.Cache.Compression)); err != nil {
		problems = append(problems, "cache."+err.Error())
	}
	if c.Lake.Root == "" {
		problems = append(problems, "lake.root is required")
	}

	if c.Remote.Configured() {
		switch c.Remote.Type {
		case "local":
			if c.Remote.Dir == "" {
				problems = append(problems, "remote.dir is required for the local remote")
			}
		case "s3", "gcs":
			if c.Remote.Bucket == "" {
				problems = append(problems, "remote.bucket is required for "+c.Remote.Type)
			}
		}
	}

	for i, job := range c.Jobs {
		if job.Source == "" || job.Dataset == "" {
			problems = append(problems, fmt.Sprintf("jobs[%d]: source and dataset are required", i))
		}
		if !job.Start.IsZero() && !job.End.IsZero() && job.End.Before(job.Start) {
			problems = append(problems, fmt.Sprintf("jobs[%d]: end is before start", i))
		}
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrorTypeConfig, "invalid configuration: "+strings.Join(problems, "; ")).
			WithDetail("problems", problems)
	}
	return nil
}

// ValidateJobs checks that every job names a configured source and that
// sources requiring credentials have them.
func (c *Config) ValidateJobs(jobs []core.Job) error {
	checked := make(map[string]bool)
	for _, job := range jobs {
		if checked[job.Source] {
			continue
		}
		checked[job.Source] = true

		s, ok := c.Sources[job.Source]
		if !ok {
			return errors.Newf(errors.ErrorTypeConfig, "unknown source %q", job.Source)
		}
		if s.RequiresCredentials && !s.HasCredentials() {
			return errors.Newf(errors.ErrorTypeConfig, "source %s requires credentials", job.Source)
		}
	}
	return nil
}
