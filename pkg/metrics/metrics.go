// Package metrics exposes Prometheus metrics for the fetch layer and the
// lake.
//
// # Basic Usage
//
//	metrics.FetchRequests.WithLabelValues("fred", metrics.OutcomeSuccess).Inc()
//
//	timer := metrics.NewTimer()
//	payload, err := fetcher.Execute(ctx, req)
//	timer.ObserveTo(metrics.FetchDuration.WithLabelValues("fred"))
//
// All vectors are registered with the default registry through promauto, so
// serving promhttp.Handler() is enough to export them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeCacheHit     = "cache_hit"
	OutcomeCacheMiss    = "cache_miss"
	OutcomeCacheCorrupt = "cache_corrupt"
	OutcomeWritten      = "written"
	OutcomeDeduplicated = "deduplicated"
	OutcomeUploaded     = "uploaded"
	OutcomeSkipped      = "skipped"
	OutcomeSelected     = "selected"
)

var (
	// FetchRequests counts logical fetches by terminal outcome.
	// Labels: source, outcome (success/failure/cache_hit)
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_fetch_requests_total",
			Help: "Total number of logical fetch requests",
		},
		[]string{"source", "outcome"},
	)

	// FetchAttempts counts individual network attempts, including retries.
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_fetch_attempts_total",
			Help: "Total number of network attempts",
		},
		[]string{"source", "status_class"},
	)

	// FetchRetries counts attempts beyond the first.
	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_fetch_retries_total",
			Help: "Total number of retried attempts",
		},
		[]string{"source"},
	)

	// FetchBytes counts payload bytes received from the network.
	FetchBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_fetch_bytes_total",
			Help: "Total payload bytes received",
		},
		[]string{"source"},
	)

	// FetchDuration tracks end-to-end fetch latency including retries.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finlake_fetch_duration_seconds",
			Help:    "Fetch duration in seconds including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"source"},
	)

	// RateLimitWait tracks mandatory waits imposed by the rate limiter.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finlake_rate_limit_wait_seconds",
			Help:    "Mandatory rate limit wait in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"source"},
	)

	// CacheLookups counts cache lookups by result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"outcome"},
	)

	// LakeFiles counts lake partition writes.
	// Labels: dataset, outcome (written/deduplicated/failure)
	LakeFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_lake_files_total",
			Help: "Lake partition file writes by outcome",
		},
		[]string{"dataset", "outcome"},
	)

	// LakeBytes counts bytes written to the lake.
	LakeBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_lake_bytes_total",
			Help: "Bytes written to lake files",
		},
		[]string{"dataset"},
	)

	// SyncFiles counts sync decisions.
	// Labels: remote, outcome (uploaded/skipped/selected/failure)
	SyncFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finlake_sync_files_total",
			Help: "Files examined by sync, by outcome",
		},
		[]string{"remote", "outcome"},
	)
)

// Timer measures an elapsed duration.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveTo records the elapsed time in seconds on o and returns it.
func (t *Timer) ObserveTo(o prometheus.Observer) time.Duration {
	d := t.Stop()
	o.Observe(d.Seconds())
	return d
}

// StatusClass buckets an HTTP status for the attempts metric.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status == 429:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
