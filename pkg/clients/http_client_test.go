package clients

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sequenceServer answers with the given statuses in order, repeating the last.
func sequenceServer(t *testing.T, statuses []int, body string) (*httptest.Server, *int32, *[]string) {
	t.Helper()

	var (
		calls  int32
		mu     sync.Mutex
		agents []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		mu.Lock()
		agents = append(agents, r.Header.Get("User-Agent"))
		mu.Unlock()

		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &agents
}

func testPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		Multiplier:      2,
		RandomizeFactor: 0,
		AttemptTimeout:  5 * time.Second,
	}
}

func TestRetryingFetcher_RecoversAfterTransientFailures(t *testing.T) {
	srv, calls, _ := sequenceServer(t, []int{503, 503, 200}, `{"ok":true}`)
	fake := clock.NewFake(testEpoch)

	var transitions []string
	f := NewRetryingFetcher(testPolicy(5), zap.NewNop(),
		WithHTTPDoer(srv.Client()),
		WithClock(fake),
		WithTransitionFunc(func(from, to State, a FetchAttempt) {
			transitions = append(transitions, from.String()+">"+to.String())
		}))

	resp, err := f.Execute(context.Background(), &core.Request{Source: "alpha", URL: srv.URL + "/series"})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, `{"ok":true}`, string(resp.Payload))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fake.Sleeps())
	assert.Equal(t, []string{
		"attempting>waiting", "waiting>attempting",
		"attempting>waiting", "waiting>attempting",
		"attempting>succeeded",
	}, transitions)
}

func TestRetryingFetcher_ExhaustsAtCeiling(t *testing.T) {
	srv, calls, _ := sequenceServer(t, []int{503}, "")
	fake := clock.NewFake(testEpoch)

	f := NewRetryingFetcher(testPolicy(4), zap.NewNop(), WithHTTPDoer(srv.Client()), WithClock(fake))

	_, err := f.Execute(context.Background(), &core.Request{Source: "alpha", URL: srv.URL})
	require.Error(t, err)

	var fe *errors.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, errors.FetchExhausted, fe.Kind)
	assert.Equal(t, 4, fe.Attempts)
	assert.Equal(t, 503, fe.StatusCode)
	assert.Equal(t, int32(4), atomic.LoadInt32(calls))
	assert.Len(t, fake.Sleeps(), 3)
}

func TestRetryingFetcher_NonRetryableFailsImmediately(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		srv, calls, _ := sequenceServer(t, []int{status}, "")
		fake := clock.NewFake(testEpoch)
		f := NewRetryingFetcher(testPolicy(5), zap.NewNop(), WithHTTPDoer(srv.Client()), WithClock(fake))

		_, err := f.Execute(context.Background(), &core.Request{Source: "alpha", URL: srv.URL})

		assert.True(t, errors.IsFetchKind(err, errors.FetchNonRetryable), "status %d", status)
		assert.Equal(t, int32(1), atomic.LoadInt32(calls), "status %d", status)
		assert.Empty(t, fake.Sleeps())
	}
}

func TestRetryingFetcher_TooManyRequestsHonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	fake := clock.NewFake(testEpoch)
	f := NewRetryingFetcher(testPolicy(3), zap.NewNop(), WithHTTPDoer(srv.Client()), WithClock(fake))

	resp, err := f.Execute(context.Background(), &core.Request{Source: "alpha", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "done", string(resp.Payload))
	assert.Equal(t, []time.Duration{7 * time.Second}, fake.Sleeps())
}

func TestRetryingFetcher_RotatesIdentityAndSendsHeaders(t *testing.T) {
	var (
		mu       sync.Mutex
		agents   []string
		language string
		custom   string
	)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.Header.Get("User-Agent"))
		language = r.Header.Get("Accept-Language")
		custom = r.Header.Get("X-Api-Key")
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewRetryingFetcher(testPolicy(3), zap.NewNop(),
		WithHTTPDoer(srv.Client()),
		WithClock(clock.NewFake(testEpoch)),
		WithUserAgents([]string{"agent-a", "agent-b", "agent-c"}))

	_, err := f.Execute(context.Background(), &core.Request{
		Source:  "alpha",
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	require.Len(t, agents, 3)
	assert.NotEqual(t, agents[0], agents[1])
	assert.NotEqual(t, agents[1], agents[2])
	assert.Contains(t, language, "pt-BR")
	assert.Equal(t, "secret", custom)
}

func TestRetryingFetcher_TransportNegotiatesGzip(t *testing.T) {
	var encoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(`{"ok":true}`))
		_ = zw.Close()
	}))
	defer srv.Close()

	f := NewRetryingFetcher(testPolicy(1), zap.NewNop(),
		WithHTTPDoer(srv.Client()),
		WithClock(clock.NewFake(testEpoch)))

	resp, err := f.Execute(context.Background(), &core.Request{Source: "alpha", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "gzip", encoding)
	assert.Equal(t, `{"ok":true}`, string(resp.Payload))
	assert.NotContains(t, defaultHeaders, "Accept-Encoding")
}

func TestRetryingFetcher_MalformedRequest(t *testing.T) {
	f := NewRetryingFetcher(testPolicy(3), zap.NewNop(), WithClock(clock.NewFake(testEpoch)))

	tests := []struct {
		name string
		req  *core.Request
	}{
		{"bad scheme", &core.Request{Source: "alpha", URL: "ftp://example.com/data"}},
		{"no host", &core.Request{Source: "alpha", URL: "/relative/path"}},
		{"post", &core.Request{Source: "alpha", URL: "https://example.com", Method: "POST"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Execute(context.Background(), tt.req)
			assert.True(t, errors.IsFetchKind(err, errors.FetchNonRetryable))
		})
	}
}

func TestRetryingFetcher_CancelStopsWaiting(t *testing.T) {
	srv, calls, _ := sequenceServer(t, []int{503}, "")
	ctx, cancel := context.WithCancel(context.Background())

	f := NewRetryingFetcher(testPolicy(5), zap.NewNop(),
		WithHTTPDoer(srv.Client()),
		WithClock(clock.NewFake(testEpoch)),
		WithTransitionFunc(func(from, to State, a FetchAttempt) {
			if to == StateWaiting {
				cancel()
			}
		}))

	_, err := f.Execute(ctx, &core.Request{Source: "alpha", URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("30", now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)

	_, ok = parseRetryAfter("", now)
	assert.False(t, ok)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := &RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(6))

	jittered := p.WithRandomization(0.25)
	for i := 0; i < 100; i++ {
		d := jittered.Backoff(2)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}
