// Package anbima adapts the ANBIMA Data API. Requests carry a bearer token
// from a client-credentials grant; payloads are arrays of flat JSON objects
// whose schema is inferred at parse time.
package anbima

import (
	"bytes"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/json"
	"go.uber.org/zap"
)

const (
	sourceName = "anbima"
	domain     = "markets"

	defaultBaseURL  = "https://data.anbima.com.br/api"
	defaultTokenURL = "https://auth.anbima.com.br/oauth/token"
	defaultLimit    = "1000"
)

// Endpoint describes one ANBIMA dataset.
type Endpoint struct {
	Path string
	// Dated endpoints take a reference date and are fetched once per
	// business day of the job range.
	Dated bool
	// Limited endpoints accept a page size.
	Limited bool
	// TTL overrides the source cache TTL when non-zero.
	TTL time.Duration
}

// Endpoints maps dataset names to API paths.
var Endpoints = map[string]Endpoint{
	"mutual_funds":   {Path: "/v1/fundos", Dated: true, Limited: true},
	"fiis":           {Path: "/v1/fiis", Dated: true, Limited: true},
	"fixed_income":   {Path: "/v1/renda-fixa", Dated: true},
	"market_indices": {Path: "/v1/indices", TTL: time.Hour},
}

// dateColumns are the field names treated as the partitioning date when
// every value in them is an ISO date.
var dateColumns = []string{"data_referencia", "data", "date"}

// HeaderSource supplies the authorization headers of a request.
// *clients.TokenProvider implements it.
type HeaderSource interface {
	Headers() (map[string]string, error)
}

// Source builds ANBIMA requests and parses their payloads.
type Source struct {
	baseURL string
	ttl     time.Duration
	auth    HeaderSource
	logger  *zap.Logger
}

// New creates the adapter around an authorization header source.
func New(baseURL string, ttl time.Duration, auth HeaderSource, logger *zap.Logger) (*Source, error) {
	if auth == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "ANBIMA requires client credentials (set ANBIMA_CLIENT_ID and ANBIMA_CLIENT_SECRET)")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		auth:    auth,
		logger:  logger.With(zap.String("component", "anbima_source")),
	}, nil
}

func (s *Source) Name() string   { return sourceName }
func (s *Source) Domain() string { return domain }

// Datasets lists the endpoint names, sorted.
func Datasets() []string {
	out := make([]string, 0, len(Endpoints))
	for name := range Endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Requests resolves the job to endpoint calls. Dated endpoints get one
// request per weekday in [Start, End]; with only Start set, a single
// request for that day. The token is obtained here, before any request
// enters the rate limiter.
func (s *Source) Requests(job core.Job) ([]*core.Request, error) {
	ep, ok := Endpoints[job.Dataset]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown ANBIMA dataset %q", job.Dataset)
	}

	headers, err := s.auth.Headers()
	if err != nil {
		return nil, err
	}

	base := url.Values{}
	if ep.Limited {
		limit := job.Params["limit"]
		if limit == "" {
			limit = defaultLimit
		}
		base.Set("limite", limit)
	}
	if assetType := job.Params["asset_type"]; assetType != "" && job.Dataset == "fixed_income" {
		base.Set("tipo_ativo", assetType)
	}

	ttl := s.ttl
	if ep.TTL > 0 {
		ttl = ep.TTL
	}

	newRequest := func(params url.Values) *core.Request {
		return &core.Request{
			Source:  sourceName,
			Dataset: job.Dataset,
			Method:  "GET",
			URL:     s.baseURL + ep.Path,
			Params:  params,
			Headers: headers,
			TTL:     ttl,
		}
	}

	if !ep.Dated || job.Start.IsZero() {
		return []*core.Request{newRequest(base)}, nil
	}

	end := job.End
	if end.IsZero() {
		end = job.Start
	}

	var reqs []*core.Request
	for d := job.Start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		params := cloneValues(base)
		params.Set("data", d.Format(time.DateOnly))
		reqs = append(reqs, newRequest(params))
	}
	if len(reqs) == 0 {
		s.logger.Debug("no business days in range",
			zap.String("dataset", job.Dataset),
			zap.Time("start", job.Start),
			zap.Time("end", end))
	}
	return reqs, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Parse decodes an array of objects, or an object wrapping one, into rows.
// Column types are inferred across all rows.
func (s *Source) Parse(payload []byte) (*core.DatasetBatch, error) {
	records, err := decodeRecords(payload)
	if err != nil {
		return nil, err
	}

	schema, timeField := inferSchema(records)

	rows := make([]core.Row, 0, len(records))
	for _, rec := range records {
		row := make(core.Row, len(schema.Fields))
		for _, f := range schema.Fields {
			row[f.Name] = convert(rec[f.Name], f.Type)
		}
		rows = append(rows, row)
	}

	return &core.DatasetBatch{
		Source:    sourceName,
		Domain:    domain,
		Schema:    schema,
		Rows:      rows,
		TimeField: timeField,
	}, nil
}

func decodeRecords(payload []byte) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "empty ANBIMA payload")
	}

	if trimmed[0] == '[' {
		var records []map[string]interface{}
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid ANBIMA payload")
		}
		return records, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid ANBIMA payload")
	}

	keys := make([]string, 0, len(wrapper))
	for k := range wrapper {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		raw := bytes.TrimSpace(wrapper[k])
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var records []map[string]interface{}
		if err := json.Unmarshal(raw, &records); err == nil {
			return records, nil
		}
	}
	return []map[string]interface{}{}, nil
}

func inferSchema(records []map[string]interface{}) (*core.Schema, string) {
	kinds := make(map[string]core.FieldType)
	for _, rec := range records {
		for k, v := range rec {
			kinds[k] = merge(kinds[k], kindOf(v))
		}
	}

	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	timeField := ""
	for _, col := range dateColumns {
		if kinds[col] == core.FieldTypeString && allDates(records, col) {
			kinds[col] = core.FieldTypeDate
			timeField = col
			break
		}
	}

	schema := &core.Schema{Name: "anbima", Description: "ANBIMA Data API records"}
	for _, name := range names {
		kind := kinds[name]
		if kind == "" {
			kind = core.FieldTypeString
		}
		schema.Fields = append(schema.Fields, core.Field{Name: name, Type: kind, Nullable: true})
	}
	return schema, timeField
}

// kindOf returns "" for null so that nulls never widen a column.
func kindOf(v interface{}) core.FieldType {
	switch v.(type) {
	case nil:
		return ""
	case float64:
		return core.FieldTypeFloat
	case bool:
		return core.FieldTypeBool
	default:
		return core.FieldTypeString
	}
}

func merge(a, b core.FieldType) core.FieldType {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	default:
		return core.FieldTypeString
	}
}

func allDates(records []map[string]interface{}, col string) bool {
	seen := false
	for _, rec := range records {
		v, ok := rec[col]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

func convert(v interface{}, kind core.FieldType) interface{} {
	if v == nil {
		return nil
	}
	switch kind {
	case core.FieldTypeFloat, core.FieldTypeBool:
		return v
	case core.FieldTypeDate:
		t, err := time.Parse(time.DateOnly, v.(string))
		if err != nil {
			return nil
		}
		return t
	}

	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(b)
	}
}
