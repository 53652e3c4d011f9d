package base

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajitpratap0/finlake/pkg/cache"
	"github.com/ajitpratap0/finlake/pkg/clients"
	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock   *clock.Fake
	server  *httptest.Server
	calls   *int32
	limiter *clients.RateLimiter
	cache   *cache.ResponseCache
	conn    *Connector
}

// newHarness wires a connector for source "alpha" against a test server that
// echoes the request path. statusFor may override the status per call.
func newHarness(t *testing.T, profile clients.RateProfile, statusFor func(call int32) int) *harness {
	t.Helper()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if statusFor != nil {
			if status := statusFor(n); status != http.StatusOK {
				w.WriteHeader(status)
				return
			}
		}
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","query":"` + r.URL.RawQuery + `"}`))
	}))
	t.Cleanup(srv.Close)

	fake := clock.NewFake(testEpoch)
	limiter := clients.NewRateLimiter(map[string]clients.RateProfile{"alpha": profile}, fake)

	rc, err := cache.New(cache.Config{Dir: t.TempDir(), TTL: time.Hour}, fake, zap.NewNop())
	require.NoError(t, err)

	policy := &clients.RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       time.Minute,
		Multiplier:     2,
		AttemptTimeout: 5 * time.Second,
	}
	fetcher := clients.NewRetryingFetcher(policy, zap.NewNop(),
		clients.WithHTTPDoer(srv.Client()),
		clients.WithClock(fake))

	return &harness{
		clock:   fake,
		server:  srv,
		calls:   &calls,
		limiter: limiter,
		cache:   rc,
		conn:    NewConnector("alpha", limiter, rc, fetcher, zap.NewNop()),
	}
}

func TestConnector_RateLimitScenario(t *testing.T) {
	h := newHarness(t, clients.RateProfile{
		MaxRequests: 2,
		Window:      60 * time.Second,
		JitterMax:   300 * time.Millisecond,
	}, nil)

	start := h.clock.Now()
	for i, path := range []string{"/a", "/b", "/c"} {
		payload, err := h.conn.Fetch(context.Background(), &core.Request{URL: h.server.URL + path}, true)
		require.NoError(t, err, "call %d", i+1)
		assert.Contains(t, string(payload), path)
	}
	elapsed := h.clock.Now().Sub(start)

	assert.GreaterOrEqual(t, elapsed, 59*time.Second)
	assert.Less(t, elapsed, 61*time.Second)

	var longest time.Duration
	for _, d := range h.clock.Sleeps() {
		if d > longest {
			longest = d
		}
	}
	assert.GreaterOrEqual(t, longest, 59*time.Second)
	assert.LessOrEqual(t, longest, 60*time.Second)

	assert.Equal(t, int32(3), atomic.LoadInt32(h.calls))
	stats := h.conn.Stats()
	assert.Equal(t, int64(3), stats.Requests)
	assert.Zero(t, stats.CacheHits)
}

func TestConnector_CachedRequestHitsNetworkOnce(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, nil)
	req := &core.Request{URL: h.server.URL + "/url1"}

	first, err := h.conn.Fetch(context.Background(), req, true)
	require.NoError(t, err)
	second, err := h.conn.Fetch(context.Background(), req, true)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(h.calls))
	assert.Equal(t, first, second)

	stats := h.conn.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(len(first)), stats.BytesReceived)
}

func TestConnector_CacheHitConsumesNoRateBudget(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 1, Window: time.Minute}, nil)
	req := &core.Request{URL: h.server.URL + "/url1"}

	for i := 0; i < 5; i++ {
		_, err := h.conn.Fetch(context.Background(), req, true)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), h.limiter.GetStats("alpha").AllowedRequests)
	assert.Empty(t, h.clock.Sleeps())
}

func TestConnector_NoCacheAlwaysFetches(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, nil)
	req := &core.Request{URL: h.server.URL + "/url1"}

	for i := 0; i < 3; i++ {
		_, err := h.conn.Fetch(context.Background(), req, false)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(h.calls))

	stats, err := h.cache.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestConnector_ParamOrderSharesCacheEntry(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, nil)

	_, err := h.conn.Fetch(context.Background(), &core.Request{URL: h.server.URL + "/s?a=1&b=2"}, true)
	require.NoError(t, err)
	_, err = h.conn.Fetch(context.Background(), &core.Request{URL: h.server.URL + "/s?b=2&a=1"}, true)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(h.calls))
}

func TestConnector_FailureIsCountedAndNotCached(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, func(n int32) int {
		return http.StatusServiceUnavailable
	})
	req := &core.Request{URL: h.server.URL + "/down"}

	_, err := h.conn.Fetch(context.Background(), req, true)
	require.Error(t, err)
	assert.True(t, errors.IsFetchKind(err, errors.FetchExhausted))

	stats := h.conn.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(2), stats.Retries)

	// every attempt of the failed call counted against the window
	assert.Equal(t, int64(1), h.limiter.GetStats("alpha").AllowedRequests)

	_, err = h.conn.Fetch(context.Background(), req, true)
	require.Error(t, err)
	assert.Equal(t, int32(6), atomic.LoadInt32(h.calls))
}

func TestConnector_UnknownSource(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, nil)

	_, err := h.conn.Fetch(context.Background(), &core.Request{Source: "beta", URL: h.server.URL}, true)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Zero(t, atomic.LoadInt32(h.calls))
}

func TestConnector_CancelledBeforeAdmission(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.conn.Fetch(ctx, &core.Request{URL: h.server.URL + "/x"}, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(h.calls))
}

type upperAdapter struct{}

func (upperAdapter) Parse(payload []byte) (*core.DatasetBatch, error) {
	if strings.Contains(string(payload), "broken") {
		return nil, errors.New(errors.ErrorTypeData, "unexpected payload")
	}
	return &core.DatasetBatch{
		Schema: &core.Schema{Fields: []core.Field{{Name: "raw", Type: core.FieldTypeString}}},
		Rows:   []core.Row{{"raw": strings.ToUpper(string(payload))}},
	}, nil
}

func TestConnector_Ingest(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, nil)

	batch, err := h.conn.Ingest(context.Background(), upperAdapter{}, &core.Request{
		Dataset: "series",
		URL:     h.server.URL + "/series",
		Params:  map[string][]string{"api_key": {"secret"}},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, "alpha", batch.Source)
	assert.Equal(t, "series", batch.Dataset)
	assert.NotContains(t, batch.SourceURL, "secret")
	assert.Equal(t, 1, batch.NumRows())
	assert.Equal(t, int64(1), h.conn.Stats().RecordsIngested)

	_, err = h.conn.Ingest(context.Background(), upperAdapter{}, &core.Request{
		Dataset: "series",
		URL:     h.server.URL + "/broken",
	}, true)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.Equal(t, int64(1), h.conn.Stats().Failures)
}

func TestConnector_LogsCarryContextFields(t *testing.T) {
	h := newHarness(t, clients.RateProfile{MaxRequests: 10, Window: time.Minute}, nil)
	obsCore, logs := observer.New(zapcore.DebugLevel)
	conn := NewConnector("alpha", h.limiter, h.cache, h.conn.fetcher, zap.New(obsCore))

	ctx := logger.ContextWith(context.Background(), logger.RunIDKey, "run-7")
	req := &core.Request{Dataset: "gdp", URL: h.server.URL + "/gdp?api_key=secret"}

	_, err := conn.Fetch(ctx, req, true)
	require.NoError(t, err)
	_, err = conn.Fetch(ctx, req, true)
	require.NoError(t, err)

	hits := logs.FilterMessage("cache hit").All()
	require.Len(t, hits, 1)
	fields := hits[0].ContextMap()
	assert.Equal(t, "run-7", fields["run_id"])
	assert.Equal(t, "alpha", fields["source"])
	assert.Equal(t, "gdp", fields["dataset"])
	assert.Equal(t, "connector", fields["component"])
	assert.NotContains(t, fields["url"], "secret")
}
