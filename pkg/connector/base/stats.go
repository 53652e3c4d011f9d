package base

import "sync/atomic"

// RunStats holds run-scoped counters for one connector. Counters are only
// reported; nothing in the fetch path reads them.
type RunStats struct {
	requests        atomic.Int64
	cacheHits       atomic.Int64
	retries         atomic.Int64
	bytesReceived   atomic.Int64
	failures        atomic.Int64
	recordsIngested atomic.Int64
}

// Stats is a point-in-time copy of RunStats.
type Stats struct {
	Requests        int64 `json:"requests"`
	CacheHits       int64 `json:"cache_hits"`
	Retries         int64 `json:"retries"`
	BytesReceived   int64 `json:"bytes_received"`
	Failures        int64 `json:"failures"`
	RecordsIngested int64 `json:"records_ingested"`
}

func (s *RunStats) snapshot() Stats {
	return Stats{
		Requests:        s.requests.Load(),
		CacheHits:       s.cacheHits.Load(),
		Retries:         s.retries.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		Failures:        s.failures.Load(),
		RecordsIngested: s.recordsIngested.Load(),
	}
}
