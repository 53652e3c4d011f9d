package fred

import (
	"context"
	"testing"
	"time"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const observations = `{
  "observation_start": "2024-01-01",
  "observation_end": "2024-03-31",
  "count": 3,
  "observations": [
    {"realtime_start": "2024-04-05", "realtime_end": "2024-04-05", "date": "2024-03-01", "value": "3.8"},
    {"realtime_start": "2024-04-05", "realtime_end": "2024-04-05", "date": "2024-01-01", "value": "3.7"},
    {"realtime_start": "2024-04-05", "realtime_end": "2024-04-05", "date": "2024-02-01", "value": "."}
  ]
}`

func newSource(t *testing.T) *Source {
	t.Helper()
	s, err := New("https://fred.example/fred/", "secret-key", time.Hour, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSource_Requests(t *testing.T) {
	s := newSource(t)

	reqs, err := s.Requests(core.Job{
		Source:  "fred",
		Dataset: "unemployment_rate",
		Start:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, "https://fred.example/fred/series/observations", req.URL)
	assert.Equal(t, "UNRATE", req.Params.Get("series_id"))
	assert.Equal(t, "json", req.Params.Get("file_type"))
	assert.Equal(t, "2024-01-01", req.Params.Get("observation_start"))
	assert.Equal(t, "2024-03-31", req.Params.Get("observation_end"))
	assert.Equal(t, time.Hour, req.TTL)
	assert.NotContains(t, req.RedactedURL(), "secret-key")

	reqs, err = s.Requests(core.Job{Dataset: "ten_year", Params: map[string]string{"series_id": "DGS10"}})
	require.NoError(t, err)
	assert.Equal(t, "DGS10", reqs[0].Params.Get("series_id"))
	assert.False(t, reqs[0].Params.Has("observation_start"))

	_, err = s.Requests(core.Job{Dataset: "nope"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSource_Parse(t *testing.T) {
	batch, err := newSource(t).Parse([]byte(observations))
	require.NoError(t, err)

	assert.Equal(t, "macro", batch.Domain)
	assert.Equal(t, "date", batch.TimeField)
	require.Len(t, batch.Rows, 3)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), batch.Rows[0]["date"])
	assert.Equal(t, 3.7, batch.Rows[0]["value"])
	assert.Nil(t, batch.Rows[1]["value"], "missing observations become null")
	assert.Equal(t, 3.8, batch.Rows[2]["value"])
	assert.Equal(t, "2024-04-05", batch.Rows[2]["realtime_start"])
}

func TestSource_ParseEdgeCases(t *testing.T) {
	s := newSource(t)

	batch, err := s.Parse([]byte(`{"error_code": 400}`))
	require.NoError(t, err)
	assert.Empty(t, batch.Rows)

	_, err = s.Parse([]byte(`<html>`))
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	_, err = s.Parse([]byte(`{"observations":[{"date":"01/02/2024","value":"1"}]}`))
	assert.Error(t, err)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New("", "", 0, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRegistered(t *testing.T) {
	adapter, err := registry.CreateSource(context.Background(), "fred", config.SourceConfig{APIKey: "k"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "fred", adapter.Name())

	info, err := registry.GetConnectorInfo(core.ConnectorTypeSource, "fred")
	require.NoError(t, err)
	assert.Contains(t, info.Datasets, "cpi")
}
