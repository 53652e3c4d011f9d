// Package fred adapts the Federal Reserve Economic Data series observations
// API.
package fred

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	sourceName = "fred"
	domain     = "macro"

	defaultBaseURL = "https://api.stlouisfed.org/fred"
	// missingValue is how FRED marks an observation with no data.
	missingValue = "."
)

// SeriesMap maps dataset names to FRED series ids.
var SeriesMap = map[string]string{
	"unemployment_rate":  "UNRATE",
	"cpi":                "CPIAUCSL",
	"unemployment_level": "EMRSL",
	"nonfarm_payroll":    "PAYEMS",
	"gdp":                "A191RA1Q225SBEA",
}

// ObservationsResponse is the series/observations payload.
type ObservationsResponse struct {
	ObservationStart string        `json:"observation_start"`
	ObservationEnd   string        `json:"observation_end"`
	Count            int           `json:"count"`
	Observations     []Observation `json:"observations"`
}

// Observation is one dated value. Value is a decimal string or ".".
type Observation struct {
	RealtimeStart string `json:"realtime_start"`
	RealtimeEnd   string `json:"realtime_end"`
	Date          string `json:"date"`
	Value         string `json:"value"`
}

var schema = &core.Schema{
	Name:        "fred_observations",
	Description: "FRED series observations",
	Fields: []core.Field{
		{Name: "date", Type: core.FieldTypeDate},
		{Name: "value", Type: core.FieldTypeFloat, Nullable: true},
		{Name: "realtime_start", Type: core.FieldTypeDate},
		{Name: "realtime_end", Type: core.FieldTypeDate},
	},
}

// Source builds observation requests and parses their payloads.
type Source struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates the adapter. An API key is mandatory.
func New(baseURL, apiKey string, ttl time.Duration, logger *zap.Logger) (*Source, error) {
	if apiKey == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "FRED api_key is required (set FRED_API_KEY)")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "fred_source")),
	}, nil
}

// Name returns the source id.
func (s *Source) Name() string { return sourceName }

// Domain returns the lake domain of FRED datasets.
func (s *Source) Domain() string { return domain }

// Datasets lists the named series, sorted.
func Datasets() []string {
	out := make([]string, 0, len(SeriesMap))
	for name := range SeriesMap {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Requests returns one observations request for the job. A series_id param
// selects a series outside SeriesMap.
func (s *Source) Requests(job core.Job) ([]*core.Request, error) {
	seriesID := job.Params["series_id"]
	if seriesID == "" {
		id, ok := SeriesMap[job.Dataset]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown FRED series %q", job.Dataset)
		}
		seriesID = id
	}

	params := url.Values{}
	params.Set("series_id", seriesID)
	params.Set("api_key", s.apiKey)
	params.Set("file_type", "json")
	if !job.Start.IsZero() {
		params.Set("observation_start", job.Start.Format(time.DateOnly))
	}
	if !job.End.IsZero() {
		params.Set("observation_end", job.End.Format(time.DateOnly))
	}

	return []*core.Request{{
		Source:  sourceName,
		Dataset: job.Dataset,
		Method:  "GET",
		URL:     s.baseURL + "/series/observations",
		Params:  params,
		TTL:     s.ttl,
	}}, nil
}

// Parse turns an observations payload into rows sorted by date. A payload
// without observations yields an empty batch.
func (s *Source) Parse(payload []byte) (*core.DatasetBatch, error) {
	var resp ObservationsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid FRED observations payload")
	}

	rows := make([]core.Row, 0, len(resp.Observations))
	for _, o := range resp.Observations {
		date, err := time.Parse(time.DateOnly, o.Date)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid observation date "+o.Date)
		}

		var value interface{}
		if o.Value != missingValue && o.Value != "" {
			d, err := decimal.NewFromString(o.Value)
			if err != nil {
				s.logger.Debug("unparseable observation value", zap.String("date", o.Date), zap.String("value", o.Value))
			} else {
				value = d.InexactFloat64()
			}
		}

		rows = append(rows, core.Row{
			"date":           date,
			"value":          value,
			"realtime_start": o.RealtimeStart,
			"realtime_end":   o.RealtimeEnd,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i]["date"].(time.Time).Before(rows[j]["date"].(time.Time))
	})

	return &core.DatasetBatch{
		Source:    sourceName,
		Domain:    domain,
		Schema:    schema,
		Rows:      rows,
		TimeField: "date",
	}, nil
}
