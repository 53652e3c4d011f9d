package errors

import "fmt"

// FetchErrorKind classifies how a fetch ended.
type FetchErrorKind string

const (
	// FetchRetryable is a transient failure: timeout, reset, 5xx or 429.
	FetchRetryable FetchErrorKind = "retryable"
	// FetchNonRetryable is a client-side failure that will not improve on retry.
	FetchNonRetryable FetchErrorKind = "non_retryable"
	// FetchExhausted means every allowed attempt failed with a retryable outcome.
	FetchExhausted FetchErrorKind = "exhausted"
)

// FetchError is returned by the retrying fetcher. It is terminal for a single
// request only, never for the whole run.
type FetchError struct {
	Kind       FetchErrorKind
	Source     string
	URL        string
	StatusCode int
	Attempts   int
	Cause      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Kind, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// IsFetchKind reports whether err carries a FetchError of the given kind.
func IsFetchKind(err error, kind FetchErrorKind) bool {
	var fe *FetchError
	return As(err, &fe) && fe.Kind == kind
}

// CacheReadError describes a corrupt or unreadable cache entry. The cache
// downgrades it to a miss; it only surfaces in logs and stats.
type CacheReadError struct {
	Fingerprint string
	Path        string
	Cause       error
}

func (e *CacheReadError) Error() string {
	return fmt.Sprintf("cache entry %s unreadable: %v", e.Fingerprint, e.Cause)
}

func (e *CacheReadError) Unwrap() error {
	return e.Cause
}

// ManifestWriteError is a local disk failure while writing a lake file or
// its manifest. It is fatal to that partition write only.
type ManifestWriteError struct {
	Dataset   string
	Partition string
	Path      string
	Cause     error
}

func (e *ManifestWriteError) Error() string {
	return fmt.Sprintf("manifest write %s/%s: %v", e.Dataset, e.Partition, e.Cause)
}

func (e *ManifestWriteError) Unwrap() error {
	return e.Cause
}

// SyncOp names the sync step that failed.
type SyncOp string

const (
	SyncOpExists SyncOp = "exists"
	SyncOpUpload SyncOp = "upload"
	SyncOpRecord SyncOp = "record"
)

// SyncError is one file that could not reach the remote mirror.
type SyncError struct {
	Op     SyncOp
	SHA256 string
	Path   string
	Cause  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}
