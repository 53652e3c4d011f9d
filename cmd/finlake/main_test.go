package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
)

func testApp() *app {
	cfg := config.Default()
	cfg.Jobs = []core.Job{
		{Source: "fred", Dataset: "cpi", Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Source: "bcb", Dataset: "ipca"},
	}
	return &app{cfg: cfg}
}

func TestJobs(t *testing.T) {
	a := testApp()

	jobs, err := a.jobs(nil, "", "", "")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = a.jobs([]string{"bcb"}, "", "2024-01-01", "2024-06-30")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), jobs[0].Start)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), jobs[0].End)

	jobs, err = a.jobs([]string{"bcb"}, "selic_meta", "", "")
	require.NoError(t, err)
	assert.Equal(t, []core.Job{{Source: "bcb", Dataset: "selic_meta"}}, jobs)
	assert.True(t, a.cfg.Jobs[1].Start.IsZero(), "configured jobs are not mutated")
}

func TestJobs_Errors(t *testing.T) {
	a := testApp()

	_, err := a.jobs(nil, "selic_meta", "", "")
	assert.Error(t, err)

	_, err = a.jobs([]string{"anbima"}, "", "", "")
	assert.Error(t, err)

	_, err = a.jobs(nil, "", "01/01/2024", "")
	assert.Error(t, err)

	_, err = a.jobs(nil, "", "", "2019-01-01")
	assert.Error(t, err, "fred job starts after the end")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finlake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lake:
  root: /tmp/finlake-test-lake
jobs:
  - source: bcb
    dataset: selic_meta
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/finlake-test-lake", cfg.Lake.Root)
	require.Len(t, cfg.Jobs, 1)

	_, err = loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
