package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finlake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_SourceProfiles(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		source string
		max    int
	}{
		{"bcb", 100},
		{"fred", 100},
		{"anbima", 50},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			p := cfg.Sources[tt.source].RateProfile()
			assert.Equal(t, tt.max, p.MaxRequests)
			assert.Equal(t, 60*time.Second, p.Window)
			assert.LessOrEqual(t, p.JitterMin, p.JitterMax)
		})
	}

	assert.Equal(t, []string{"anbima", "bcb", "fred"}, cfg.SourceNames())
}

func TestLoadFile_SubstitutesEnvAndMergesDefaults(t *testing.T) {
	t.Setenv("FINLAKE_TEST_FRED_KEY", "k-123")
	t.Setenv("FINLAKE_TEST_BUCKET", "lake-mirror")

	path := writeConfig(t, `
logging:
  level: debug
cache:
  dir: /tmp/finlake-cache
  ttl: 2h
sources:
  fred:
    api_key: ${FINLAKE_TEST_FRED_KEY}
    max_requests: 10
lake:
  root: /tmp/finlake-lake
remote:
  type: s3
  bucket: ${FINLAKE_TEST_BUCKET}
  prefix: finlake
jobs:
  - source: fred
    dataset: cpi
    start: 2024-01-01T00:00:00Z
    end: 2024-06-30T00:00:00Z
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "/tmp/finlake-lake", cfg.Lake.Root)
	assert.NotNil(t, cfg.Lake.Parquet)

	fred := cfg.Sources["fred"]
	assert.Equal(t, "k-123", fred.APIKey)
	assert.Equal(t, 10, fred.MaxRequests)
	assert.Equal(t, 60*time.Second, fred.Window, "unset fields come from the built-in profile")
	assert.Equal(t, "https://api.stlouisfed.org/fred", fred.BaseURL)
	assert.True(t, fred.RequiresCredentials)

	_, ok := cfg.Sources["bcb"]
	assert.True(t, ok, "built-in sources stay configured")

	assert.Equal(t, "lake-mirror", cfg.Remote.Bucket)
	assert.Equal(t, "s3", cfg.Remote.DisplayName())

	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, "cpi", cfg.Jobs[0].Dataset)
	assert.Equal(t, 2024, cfg.Jobs[0].Start.Year())
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeConfig(t, "sources: [not, a, map]"))
	assert.Error(t, err)

	_, err = LoadFile(writeConfig(t, "retry:\n  max_attempts: 0\n"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no sources", func(c *Config) { c.Sources = nil }, "no sources configured"},
		{"zero budget", func(c *Config) {
			s := c.Sources["bcb"]
			s.MaxRequests = 0
			c.Sources["bcb"] = s
		}, "source bcb: max_requests"},
		{"inverted jitter", func(c *Config) {
			s := c.Sources["fred"]
			s.JitterMin, s.JitterMax = 2*time.Second, time.Second
			c.Sources["fred"] = s
		}, "source fred: jitter"},
		{"bad compression", func(c *Config) { c.Cache.Compression = "brotli" }, "unsupported compression"},
		{"no lake root", func(c *Config) { c.Lake.Root = "" }, "lake.root"},
		{"local without dir", func(c *Config) { c.Remote.Type = "local" }, "remote.dir"},
		{"gcs without bucket", func(c *Config) { c.Remote.Type = "gcs" }, "remote.bucket"},
		{"job without dataset", func(c *Config) { c.Jobs = []core.Job{{Source: "bcb"}} }, "jobs[0]"},
		{"job range inverted", func(c *Config) {
			c.Jobs = []core.Job{{
				Source:  "bcb",
				Dataset: "ipca",
				Start:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
				End:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}}
		}, "end is before start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJobs(t *testing.T) {
	cfg := Default()
	fred := cfg.Sources["fred"]
	fred.APIKey = ""
	cfg.Sources["fred"] = fred

	assert.NoError(t, cfg.ValidateJobs([]core.Job{{Source: "bcb", Dataset: "ipca"}}))

	err := cfg.ValidateJobs([]core.Job{{Source: "nope", Dataset: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown source "nope"`)

	err = cfg.ValidateJobs([]core.Job{{Source: "fred", Dataset: "cpi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires credentials")
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("FINLAKE_TEST_A", "alpha")
	assert.Equal(t, "x=alpha;y=", substituteEnvVars("x=${FINLAKE_TEST_A};y=${FINLAKE_TEST_UNSET}"))
	assert.Equal(t, "open ${brace", substituteEnvVars("open ${brace"))
}
