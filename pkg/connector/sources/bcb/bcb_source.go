// Package bcb adapts the Banco Central do Brasil SGS time series service.
package bcb

import (
	"bytes"
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
	sourceName = "bcb"
	domain     = "macro"

	defaultBaseURL = "https://www3.bcb.gov.br/sgspub/consultarvalores"
	// sgsDate is the dd/mm/YYYY layout SGS uses for both query and payload.
	sgsDate = "02/01/2006"
	// maxWindowYears is the widest date range SGS serves in one query.
	maxWindowYears = 10
)

// SeriesMap maps dataset names to SGS series codes.
var SeriesMap = map[string]string{
	"selic_meta":            "1",
	"ipca":                  "433",
	"unemployment":          "11255",
	"industrial_production": "3652",
}

// Point is one SGS observation. Valor may use a comma decimal separator.
type Point struct {
	Data  string `json:"data"`
	Valor string `json:"valor"`
}

type seriesEnvelope struct {
	Series []struct {
		Dado []Point `json:"dado"`
	} `json:"series"`
}

var schema = &core.Schema{
	Name:        "bcb_sgs",
	Description: "BCB SGS series values",
	Fields: []core.Field{
		{Name: "date", Type: core.FieldTypeDate},
		{Name: "value", Type: core.FieldTypeFloat, Nullable: true},
	},
}

// Source builds SGS queries and parses their payloads.
type Source struct {
	baseURL string
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates the adapter. SGS needs no credentials.
func New(baseURL string, ttl time.Duration, logger *zap.Logger) *Source {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "bcb_source")),
	}
}

func (s *Source) Name() string   { return sourceName }
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

// Requests returns one query per ten-year window of the job range. A job
// without a range yields a single unbounded query. A series_id param
// selects a code outside SeriesMap.
func (s *Source) Requests(job core.Job) ([]*core.Request, error) {
	code := job.Params["series_id"]
	if code == "" {
		c, ok := SeriesMap[job.Dataset]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown BCB series %q", job.Dataset)
		}
		code = c
	}

	if job.Start.IsZero() || job.End.IsZero() {
		params := url.Values{}
		params.Set("idSerie", code)
		params.Set("format", "json")
		if !job.Start.IsZero() {
			params.Set("dataInicial", job.Start.Format(sgsDate))
		}
		if !job.End.IsZero() {
			params.Set("dataFinal", job.End.Format(sgsDate))
		}
		return []*core.Request{s.request(job.Dataset, params)}, nil
	}

	var reqs []*core.Request
	for _, w := range windows(job.Start, job.End) {
		params := url.Values{}
		params.Set("idSerie", code)
		params.Set("dataInicial", w[0].Format(sgsDate))
		params.Set("dataFinal", w[1].Format(sgsDate))
		params.Set("format", "json")
		reqs = append(reqs, s.request(job.Dataset, params))
	}
	return reqs, nil
}

func (s *Source) request(dataset string, params url.Values) *core.Request {
	return &core.Request{
		Source:  sourceName,
		Dataset: dataset,
		Method:  "GET",
		URL:     s.baseURL,
		Params:  params,
		TTL:     s.ttl,
	}
}

// windows splits [start, end] into consecutive inclusive ranges of at most
// maxWindowYears years.
func windows(start, end time.Time) [][2]time.Time {
	var out [][2]time.Time
	for from := start; !from.After(end); {
		to := from.AddDate(maxWindowYears, 0, -1)
		if to.After(end) {
			to = end
		}
		out = append(out, [2]time.Time{from, to})
		from = to.AddDate(0, 0, 1)
	}
	return out
}

// Parse accepts either a bare array of points or the consultarvalores
// envelope {"series":[{"dado":[...]}]}. Rows are sorted by date.
func (s *Source) Parse(payload []byte) (*core.DatasetBatch, error) {
	points, err := decodePoints(payload)
	if err != nil {
		return nil, err
	}

	rows := make([]core.Row, 0, len(points))
	for _, p := range points {
		date, err := time.Parse(sgsDate, strings.TrimSpace(p.Data))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid SGS date "+p.Data)
		}

		value, ok := ParseValue(p.Valor)
		if !ok && strings.TrimSpace(p.Valor) != "" {
			s.logger.Debug("unparseable SGS value", zap.String("date", p.Data), zap.String("valor", p.Valor))
		}

		row := core.Row{"date": date, "value": nil}
		if ok {
			row["value"] = value
		}
		rows = append(rows, row)
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

func decodePoints(payload []byte) ([]Point, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var points []Point
		if err := json.Unmarshal(trimmed, &points); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid SGS payload")
		}
		return points, nil
	}

	var env seriesEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid SGS payload")
	}
	var points []Point
	for _, series := range env.Series {
		points = append(points, series.Dado...)
	}
	return points, nil
}

// ParseValue reads an SGS value. "1.234,56" and "1234.56" are both
// accepted; empty or malformed input reports false.
func ParseValue(raw string) (float64, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, false
	}
	if strings.Contains(v, ",") {
		v = strings.ReplaceAll(v, ".", "")
		v = strings.Replace(v, ",", ".", 1)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, false
	}
	return d.InexactFloat64(), true
}
