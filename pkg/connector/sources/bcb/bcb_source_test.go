package bcb

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

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSource_Requests(t *testing.T) {
	s := New("", time.Hour, zap.NewNop())

	reqs, err := s.Requests(core.Job{Dataset: "selic_meta", Start: day(2024, 1, 1), End: day(2024, 6, 30)})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, defaultBaseURL, reqs[0].URL)
	assert.Equal(t, "1", reqs[0].Params.Get("idSerie"))
	assert.Equal(t, "01/01/2024", reqs[0].Params.Get("dataInicial"))
	assert.Equal(t, "30/06/2024", reqs[0].Params.Get("dataFinal"))
	assert.Equal(t, "json", reqs[0].Params.Get("format"))
	assert.Equal(t, time.Hour, reqs[0].TTL)

	reqs, err = s.Requests(core.Job{Dataset: "custom", Params: map[string]string{"series_id": "4390"}})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "4390", reqs[0].Params.Get("idSerie"))
	assert.False(t, reqs[0].Params.Has("dataInicial"))

	_, err = s.Requests(core.Job{Dataset: "usd_brl"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSource_RequestsSplitLongRanges(t *testing.T) {
	s := New("", 0, nil)

	reqs, err := s.Requests(core.Job{Dataset: "ipca", Start: day(2000, 1, 1), End: day(2024, 12, 31)})
	require.NoError(t, err)
	require.Len(t, reqs, 3)

	assert.Equal(t, "01/01/2000", reqs[0].Params.Get("dataInicial"))
	assert.Equal(t, "31/12/2009", reqs[0].Params.Get("dataFinal"))
	assert.Equal(t, "01/01/2010", reqs[1].Params.Get("dataInicial"))
	assert.Equal(t, "31/12/2019", reqs[1].Params.Get("dataFinal"))
	assert.Equal(t, "01/01/2020", reqs[2].Params.Get("dataInicial"))
	assert.Equal(t, "31/12/2024", reqs[2].Params.Get("dataFinal"))
}

func TestSource_Parse(t *testing.T) {
	s := New("", 0, nil)

	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "array",
			payload: `[{"data":"02/01/2024","valor":"11,75"},{"data":"01/01/2024","valor":"11.75"},{"data":"03/01/2024","valor":""}]`,
		},
		{
			name:    "envelope",
			payload: `{"series":[{"dado":[{"data":"02/01/2024","valor":"11,75"},{"data":"01/01/2024","valor":"11.75"},{"data":"03/01/2024","valor":""}]}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := s.Parse([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, "macro", batch.Domain)
			assert.Equal(t, "date", batch.TimeField)
			require.Len(t, batch.Rows, 3)

			assert.Equal(t, day(2024, 1, 1), batch.Rows[0]["date"])
			assert.Equal(t, 11.75, batch.Rows[0]["value"])
			assert.Equal(t, 11.75, batch.Rows[1]["value"])
			assert.Nil(t, batch.Rows[2]["value"])
		})
	}
}

func TestSource_ParseEdgeCases(t *testing.T) {
	s := New("", 0, nil)

	batch, err := s.Parse([]byte(`{"info":"no data"}`))
	require.NoError(t, err)
	assert.Empty(t, batch.Rows)

	_, err = s.Parse([]byte(`not json`))
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	_, err = s.Parse([]byte(`[{"data":"2024-01-01","valor":"1"}]`))
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"11.75", 11.75, true},
		{"11,75", 11.75, true},
		{"1.234,56", 1234.56, true},
		{" 0,5 ", 0.5, true},
		{"-2,1", -2.1, true},
		{"", 0, false},
		{"n/a", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseValue(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.InDelta(t, tt.want, got, 1e-9, tt.raw)
	}
}

func TestRegistered(t *testing.T) {
	adapter, err := registry.CreateSource(context.Background(), "bcb", config.SourceConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "bcb", adapter.Name())
	assert.Equal(t, "macro", adapter.Domain())

	info, err := registry.GetConnectorInfo(core.ConnectorTypeSource, "bcb")
	require.NoError(t, err)
	assert.Equal(t, []string{"industrial_production", "ipca", "selic_meta", "unemployment"}, info.Datasets)
}
