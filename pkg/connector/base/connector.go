// Package base provides the Connector every source adapter fetches through.
//
// # Overview
//
// A Connector composes the shared rate limiter, response cache and retrying
// fetcher behind a single fetch contract. The composition order is fixed:
//
//  1. cache lookup (when enabled)
//  2. rate limiter admission
//  3. retrying network fetch
//  4. cache store on success
//
// A cache hit never consumes rate budget. Adapters only parse payloads; they
// never perform I/O themselves.
//
// # Usage
//
//	conn := base.NewConnector("fred", limiter, responseCache, fetcher, logger)
//	batch, err := conn.Ingest(ctx, adapter, req, true)
package base

import (
	"context"
	"time"

	"github.com/ajitpratap0/finlake/pkg/cache"
	"github.com/ajitpratap0/finlake/pkg/clients"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/logger"
	"github.com/ajitpratap0/finlake/pkg/metrics"
	"github.com/ajitpratap0/finlake/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Limiter admits requests for a source, blocking until allowed.
type Limiter interface {
	Acquire(ctx context.Context, source string) error
}

// Cache stores payloads by request fingerprint.
type Cache interface {
	Lookup(fingerprint string) ([]byte, bool)
	Store(fingerprint string, payload []byte, ttl time.Duration) error
}

// Fetcher performs one logical request, retrying as its policy allows.
type Fetcher interface {
	Execute(ctx context.Context, req *core.Request) (*clients.Response, error)
}

// Connector is the fetch path for one source. It is safe for concurrent
// use, though the runner issues requests for a source sequentially.
type Connector struct {
	source  string
	limiter Limiter
	cache   Cache
	fetcher Fetcher
	logger  *zap.Logger
	stats   RunStats
}

// NewConnector creates a connector for source. cache may be nil, which
// disables caching regardless of useCache.
func NewConnector(source string, limiter Limiter, cache Cache, fetcher Fetcher, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{
		source:  source,
		limiter: limiter,
		cache:   cache,
		fetcher: fetcher,
		logger:  log.With(zap.String("component", "connector")),
	}
}

// Source returns the source id this connector serves.
func (c *Connector) Source() string {
	return c.source
}

// Fetch returns the payload for req, from the cache when useCache is set and
// a fresh entry exists, otherwise from the network after rate-limit
// admission.
func (c *Connector) Fetch(ctx context.Context, req *core.Request, useCache bool) (payload []byte, err error) {
	if req.Source == "" {
		r := *req
		r.Source = c.source
		req = &r
	}

	if _, ok := ctx.Value(logger.SourceKey).(string); !ok {
		ctx = logger.ContextWith(ctx, logger.SourceKey, req.Source)
	}
	ctx = logger.ContextWith(ctx, logger.DatasetKey, req.Dataset)
	log := logger.WithContext(ctx, c.logger)

	ctx, span := observability.StartSpan(ctx, observability.SpanConnectorFetch,
		attribute.String("source", req.Source),
		attribute.String("dataset", req.Dataset),
		attribute.String("url", req.URL))
	defer func() { span.End(err) }()

	useCache = useCache && c.cache != nil

	var fingerprint string
	if useCache {
		fingerprint, err = cache.FingerprintRequest(req)
		if err != nil {
			c.stats.failures.Add(1)
			return nil, &errors.FetchError{Kind: errors.FetchNonRetryable, Source: req.Source, URL: req.URL, Cause: err}
		}
		if cached, ok := c.cache.Lookup(fingerprint); ok {
			c.stats.cacheHits.Add(1)
			span.SetAttribute("cache_hit", true)
			metrics.FetchRequests.WithLabelValues(req.Source, metrics.OutcomeCacheHit).Inc()
			log.Debug("cache hit", zap.String("url", req.RedactedURL()), zap.String("fingerprint", fingerprint))
			return cached, nil
		}
	}

	if err = c.limiter.Acquire(ctx, req.Source); err != nil {
		if !errors.IsType(err, errors.ErrorTypeConfig) {
			c.stats.failures.Add(1)
		}
		return nil, err
	}

	c.stats.requests.Add(1)
	timer := metrics.NewTimer()
	resp, err := c.fetcher.Execute(ctx, req)
	timer.ObserveTo(metrics.FetchDuration.WithLabelValues(req.Source))

	if err != nil {
		var fe *errors.FetchError
		if errors.As(err, &fe) && fe.Attempts > 1 {
			c.stats.retries.Add(int64(fe.Attempts - 1))
		}
		c.stats.failures.Add(1)
		metrics.FetchRequests.WithLabelValues(req.Source, metrics.OutcomeFailure).Inc()
		log.Warn("fetch failed", zap.String("url", req.RedactedURL()), zap.Error(err))
		return nil, err
	}

	if resp.Attempts > 1 {
		c.stats.retries.Add(int64(resp.Attempts - 1))
	}
	c.stats.bytesReceived.Add(int64(len(resp.Payload)))
	metrics.FetchRequests.WithLabelValues(req.Source, metrics.OutcomeSuccess).Inc()
	metrics.FetchBytes.WithLabelValues(req.Source).Add(float64(len(resp.Payload)))
	span.SetAttribute("attempts", resp.Attempts)
	span.SetAttribute("bytes", len(resp.Payload))

	if useCache {
		if storeErr := c.cache.Store(fingerprint, resp.Payload, req.TTL); storeErr != nil {
			log.Warn("failed to store response in cache", zap.String("fingerprint", fingerprint), zap.Error(storeErr))
		}
	}

	return resp.Payload, nil
}

// Ingest fetches req and parses the payload with adapter. Dataset, Source
// and SourceURL are filled from req when the adapter leaves them empty.
func (c *Connector) Ingest(ctx context.Context, adapter core.Adapter, req *core.Request, useCache bool) (*core.DatasetBatch, error) {
	payload, err := c.Fetch(ctx, req, useCache)
	if err != nil {
		return nil, err
	}
	return c.Decode(adapter, req, payload)
}

// Decode parses a payload already fetched for req. It is the second half of
// Ingest, for callers that also keep the raw payload.
func (c *Connector) Decode(adapter core.Adapter, req *core.Request, payload []byte) (*core.DatasetBatch, error) {
	batch, err := adapter.Parse(payload)
	if err != nil {
		c.stats.failures.Add(1)
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to parse "+req.Dataset+" payload")
	}

	if batch.Source == "" {
		batch.Source = c.source
	}
	if batch.Dataset == "" {
		batch.Dataset = req.Dataset
	}
	if batch.SourceURL == "" {
		batch.SourceURL = req.RedactedURL()
	}

	c.stats.recordsIngested.Add(int64(batch.NumRows()))
	return batch, nil
}

// Stats returns a snapshot of the run statistics.
func (c *Connector) Stats() Stats {
	return c.stats.snapshot()
}
