// Package cache implements the disk-backed response cache shared by every
// connector in the process. Entries are keyed by request fingerprint and
// expire at fetched_at + ttl; an expired, corrupt or unreadable entry is
// always a miss.
package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/compression"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/fsutil"
	"github.com/ajitpratap0/finlake/pkg/json"
	"github.com/ajitpratap0/finlake/pkg/metrics"
	"go.uber.org/zap"
)

const (
	entryExt = ".entry"

	defaultTTL            = 24 * time.Hour
	defaultMemoryEntries  = 256
	envelopeFormatVersion = 1
)

// Config configures a ResponseCache.
type Config struct {
	Dir         string                `yaml:"dir" json:"dir"`
	TTL         time.Duration         `yaml:"ttl" json:"ttl"`
	Compression compression.Algorithm `yaml:"compression" json:"compression"`
	// MemoryEntries bounds the in-process layer in front of the disk.
	MemoryEntries int `yaml:"memory_entries" json:"memory_entries"`
}

// Entry is one cached payload.
type Entry struct {
	Fingerprint string
	Payload     []byte
	FetchedAt   time.Time
	TTL         time.Duration
}

// ExpiresAt returns FetchedAt + TTL.
func (e *Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// envelope is the on-disk form of an Entry.
type envelope struct {
	Version     int                   `json:"version"`
	Fingerprint string                `json:"fingerprint"`
	FetchedAt   time.Time             `json:"fetched_at"`
	TTLSeconds  float64               `json:"ttl_seconds"`
	Algorithm   compression.Algorithm `json:"algorithm"`
	Payload     []byte                `json:"payload"`
}

// Stats summarizes cache contents and lookups.
type Stats struct {
	Dir     string `json:"dir"`
	Entries int    `json:"entries"`
	Expired int    `json:"expired"`
	Corrupt int    `json:"corrupt"`
	Bytes   int64  `json:"bytes"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
}

// ResponseCache is safe for concurrent use. The memory layer is guarded by
// a short-held lock; disk reads and writes happen outside it and rely on
// atomic renames.
type ResponseCache struct {
	dir     string
	ttl     time.Duration
	codec   compression.Compressor
	codecs  map[compression.Algorithm]compression.Compressor
	clock   clock.Clock
	logger  *zap.Logger
	maxMem  int
	memory  map[string]*Entry
	mu      sync.RWMutex
	codecMu sync.Mutex

	hits    int64
	misses  int64
	corrupt int64
}

// New creates a cache rooted at config.Dir.
func New(config Config, clk clock.Clock, logger *zap.Logger) (*ResponseCache, error) {
	if config.Dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "cache directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create cache directory")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxMem := config.MemoryEntries
	if maxMem <= 0 {
		maxMem = defaultMemoryEntries
	}

	algorithm := config.Compression
	if algorithm == "" {
		algorithm = compression.Zstd
	}
	codec, err := compression.NewCompressor(&compression.Config{Algorithm: algorithm, Level: compression.Default})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid cache compression")
	}

	return &ResponseCache{
		dir:    config.Dir,
		ttl:    ttl,
		codec:  codec,
		codecs: map[compression.Algorithm]compression.Compressor{algorithm: codec},
		clock:  clk,
		logger: logger.With(zap.String("component", "response_cache")),
		maxMem: maxMem,
		memory: make(map[string]*Entry),
	}, nil
}

// Lookup returns the payload for fingerprint if present and unexpired.
func (c *ResponseCache) Lookup(fingerprint string) ([]byte, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.memory[fingerprint]
	c.mu.RUnlock()

	if !ok {
		var err error
		e, err = c.readEntry(fingerprint)
		if err != nil {
			if !os.IsNotExist(err) {
				atomic.AddInt64(&c.corrupt, 1)
				metrics.CacheLookups.WithLabelValues(metrics.OutcomeCacheCorrupt).Inc()
				c.logger.Warn("treating unreadable cache entry as miss", zap.Error(err))
			}
			return c.miss()
		}
	}

	if e.Expired(now) {
		c.forget(fingerprint, e.FetchedAt)
		c.removeExpired(fingerprint, e.FetchedAt)
		return c.miss()
	}

	if !ok {
		c.rememberIfNewer(e)
	}

	atomic.AddInt64(&c.hits, 1)
	metrics.CacheLookups.WithLabelValues(metrics.OutcomeCacheHit).Inc()
	return append([]byte(nil), e.Payload...), true
}

// removeExpired deletes the entry file if it still holds the entry fetched
// at fetchedAt. A file rewritten by a concurrent Store is left alone.
func (c *ResponseCache) removeExpired(fingerprint string, fetchedAt time.Time) {
	onDisk, err := c.readEntry(fingerprint)
	if err != nil || !onDisk.FetchedAt.Equal(fetchedAt) {
		return
	}
	if err := os.Remove(c.path(fingerprint)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove expired cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

// Store saves payload under fingerprint, replacing any previous entry. A
// non-positive ttl uses the cache default.
func (c *ResponseCache) Store(fingerprint string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}

	e := &Entry{
		Fingerprint: fingerprint,
		Payload:     append([]byte(nil), payload...),
		FetchedAt:   c.clock.Now(),
		TTL:         ttl,
	}

	packed, err := c.codec.Compress(e.Payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to compress cache payload")
	}

	data, err := json.Marshal(envelope{
		Version:     envelopeFormatVersion,
		Fingerprint: fingerprint,
		FetchedAt:   e.FetchedAt,
		TTLSeconds:  ttl.Seconds(),
		Algorithm:   c.codec.Algorithm(),
		Payload:     packed,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode cache entry")
	}

	if err := fsutil.WriteFileAtomic(c.path(fingerprint), data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write cache entry")
	}

	c.remember(e)
	return nil
}

// Evict removes one entry.
func (c *ResponseCache) Evict(fingerprint string) error {
	c.mu.Lock()
	delete(c.memory, fingerprint)
	c.mu.Unlock()

	if err := os.Remove(c.path(fingerprint)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to evict cache entry")
	}
	return nil
}

// Clear removes entries fetched more than olderThan ago. Zero removes all
// entries. Corrupt entries are always removed.
func (c *ResponseCache) Clear(olderThan time.Duration) (int, error) {
	cutoff := c.clock.Now().Add(-olderThan)
	return c.sweep(func(e *Entry) bool {
		return olderThan <= 0 || e.FetchedAt.Before(cutoff)
	})
}

// PurgeExpired removes expired and corrupt entries.
func (c *ResponseCache) PurgeExpired() (int, error) {
	now := c.clock.Now()
	return c.sweep(func(e *Entry) bool {
		return e.Expired(now)
	})
}

// Stats walks the cache directory.
func (c *ResponseCache) Stats() (Stats, error) {
	now := c.clock.Now()
	stats := Stats{
		Dir:    c.dir,
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}

	err := c.walk(func(path, fingerprint string, info fs.FileInfo) error {
		stats.Bytes += info.Size()
		e, err := c.readEntry(fingerprint)
		switch {
		case err != nil:
			stats.Corrupt++
		case e.Expired(now):
			stats.Expired++
		default:
			stats.Entries++
		}
		return nil
	})
	return stats, err
}

func (c *ResponseCache) sweep(remove func(e *Entry) bool) (int, error) {
	removed := 0
	err := c.walk(func(path, fingerprint string, _ fs.FileInfo) error {
		e, readErr := c.readEntry(fingerprint)
		if readErr == nil && !remove(e) {
			return nil
		}

		c.mu.Lock()
		delete(c.memory, fingerprint)
		c.mu.Unlock()

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, errors.Wrap(err, errors.ErrorTypeFile, "failed to sweep cache")
	}

	c.logger.Info("cache swept", zap.Int("removed", removed))
	return removed, nil
}

func (c *ResponseCache) walk(fn func(path, fingerprint string, info fs.FileInfo) error) error {
	return filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entryExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(path, strings.TrimSuffix(d.Name(), entryExt), info)
	})
}

// readEntry loads an entry from disk. Any failure other than absence comes
// back as a CacheReadError.
func (c *ResponseCache) readEntry(fingerprint string) (*Entry, error) {
	path := c.path(fingerprint)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derived from a hex fingerprint
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &errors.CacheReadError{Fingerprint: fingerprint, Path: path, Cause: err}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &errors.CacheReadError{Fingerprint: fingerprint, Path: path, Cause: err}
	}
	if env.Fingerprint != fingerprint {
		return nil, &errors.CacheReadError{
			Fingerprint: fingerprint,
			Path:        path,
			Cause:       errors.Newf(errors.ErrorTypeData, "envelope holds fingerprint %q", env.Fingerprint),
		}
	}

	codec, err := c.codecFor(env.Algorithm)
	if err != nil {
		return nil, &errors.CacheReadError{Fingerprint: fingerprint, Path: path, Cause: err}
	}
	payload, err := codec.Decompress(env.Payload)
	if err != nil {
		return nil, &errors.CacheReadError{Fingerprint: fingerprint, Path: path, Cause: err}
	}

	return &Entry{
		Fingerprint: fingerprint,
		Payload:     payload,
		FetchedAt:   env.FetchedAt,
		TTL:         time.Duration(env.TTLSeconds * float64(time.Second)),
	}, nil
}

// codecFor returns a decompressor for entries written with another
// algorithm, e.g. after a config change.
func (c *ResponseCache) codecFor(algorithm compression.Algorithm) (compression.Compressor, error) {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()

	if codec, ok := c.codecs[algorithm]; ok {
		return codec, nil
	}
	codec, err := compression.NewCompressor(&compression.Config{Algorithm: algorithm})
	if err != nil {
		return nil, err
	}
	c.codecs[algorithm] = codec
	return codec, nil
}

func (c *ResponseCache) remember(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(e)
}

// put requires c.mu.
func (c *ResponseCache) put(e *Entry) {
	if _, exists := c.memory[e.Fingerprint]; !exists && len(c.memory) >= c.maxMem {
		for k := range c.memory {
			delete(c.memory, k)
			break
		}
	}
	c.memory[e.Fingerprint] = e
}

// rememberIfNewer caches an entry read from disk unless a Store made
// while the file was being read already put a newer one in memory.
func (c *ResponseCache) rememberIfNewer(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.memory[e.Fingerprint]; ok && !current.FetchedAt.Before(e.FetchedAt) {
		return
	}
	c.put(e)
}

// forget drops an expired entry from memory unless a newer Store replaced it.
func (c *ResponseCache) forget(fingerprint string, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.memory[fingerprint]; ok && e.FetchedAt.Equal(fetchedAt) {
		delete(c.memory, fingerprint)
	}
}

func (c *ResponseCache) miss() ([]byte, bool) {
	atomic.AddInt64(&c.misses, 1)
	metrics.CacheLookups.WithLabelValues(metrics.OutcomeCacheMiss).Inc()
	return nil, false
}

func (c *ResponseCache) path(fingerprint string) string {
	shard := "00"
	if len(fingerprint) >= 2 {
		shard = fingerprint[:2]
	}
	return filepath.Join(c.dir, shard, fingerprint+entryExt)
}
