package cache

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/compression"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, fake *clock.Fake) *ResponseCache {
	t.Helper()
	c, err := New(Config{Dir: t.TempDir(), TTL: time.Hour}, fake, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestFingerprint_ParameterOrderIndependent(t *testing.T) {
	a, err := Fingerprint("GET", "https://api.example.com/series?b=2&a=1", nil, nil, nil)
	require.NoError(t, err)
	b, err := Fingerprint("GET", "https://api.example.com/series?a=1&b=2", nil, nil, nil)
	require.NoError(t, err)
	c, err := Fingerprint("get", "HTTPS://API.example.com:443/series", url.Values{"b": {"2"}, "a": {"1"}}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, a, 64)
}

func TestFingerprint_DistinguishesRequests(t *testing.T) {
	base, _ := Fingerprint("GET", "https://api.example.com/series?a=1", nil, nil, nil)

	other := []struct {
		name    string
		method  string
		url     string
		headers map[string]string
		rel     []string
	}{
		{"value", "GET", "https://api.example.com/series?a=2", nil, nil},
		{"path", "GET", "https://api.example.com/other?a=1", nil, nil},
		{"method", "HEAD", "https://api.example.com/series?a=1", nil, nil},
		{"relevant header", "GET", "https://api.example.com/series?a=1", map[string]string{"Accept": "text/csv"}, []string{"accept"}},
	}

	for _, tt := range other {
		t.Run(tt.name, func(t *testing.T) {
			fp, err := Fingerprint(tt.method, tt.url, nil, tt.headers, tt.rel)
			require.NoError(t, err)
			assert.NotEqual(t, base, fp)
		})
	}

	ignored, _ := Fingerprint("GET", "https://api.example.com/series?a=1", nil, map[string]string{"User-Agent": "x"}, nil)
	assert.Equal(t, base, ignored)
}

func TestFingerprintRequest(t *testing.T) {
	req := &core.Request{Source: "alpha", URL: "https://api.example.com/series", Params: url.Values{"id": {"GDP"}}}
	fp, err := FingerprintRequest(req)
	require.NoError(t, err)

	direct, err := Fingerprint("GET", "https://api.example.com/series?id=GDP", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, direct, fp)
}

func TestResponseCache_StoreLookup(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	_, ok := c.Lookup("abc123")
	assert.False(t, ok)

	require.NoError(t, c.Store("abc123", []byte(`{"value":1}`), 0))

	payload, ok := c.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, `{"value":1}`, string(payload))
}

func TestResponseCache_NeverReturnsExpired(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("abc123", []byte("payload"), 10*time.Minute))

	fake.Advance(10*time.Minute - time.Second)
	_, ok := c.Lookup("abc123")
	assert.True(t, ok)

	fake.Advance(time.Second)
	_, ok = c.Lookup("abc123")
	assert.False(t, ok)
}

func TestResponseCache_OverwriteReplacesEntry(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("abc123", []byte("old"), time.Minute))
	fake.Advance(2 * time.Minute)
	require.NoError(t, c.Store("abc123", []byte("new"), time.Minute))

	payload, ok := c.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "new", string(payload))
}

func TestResponseCache_PersistsAcrossInstances(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	dir := t.TempDir()

	first, err := New(Config{Dir: dir, Compression: compression.Gzip}, fake, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Store("abc123", []byte("persisted"), time.Hour))

	// a different default algorithm must still read older entries
	second, err := New(Config{Dir: dir, Compression: compression.Zstd}, fake, zap.NewNop())
	require.NoError(t, err)

	payload, ok := second.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "persisted", string(payload))
}

func TestResponseCache_CorruptEntryIsMiss(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	dir := t.TempDir()
	c, err := New(Config{Dir: dir}, fake, zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(dir, "ab", "abcdef.entry")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, ok := c.Lookup("abcdef")
	assert.False(t, ok)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Corrupt)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestResponseCache_PurgeAndClear(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("aa01", []byte("short"), time.Minute))
	require.NoError(t, c.Store("bb02", []byte("long"), 48*time.Hour))
	fake.Advance(time.Hour)
	require.NoError(t, c.Store("cc03", []byte("fresh"), 48*time.Hour))

	removed, err := c.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 0, stats.Expired)

	removed, err = c.Clear(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := c.Lookup("bb02")
	assert.False(t, ok)
	_, ok = c.Lookup("cc03")
	assert.True(t, ok)

	removed, err = c.Clear(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestResponseCache_Evict(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("abc123", []byte("x"), 0))
	require.NoError(t, c.Evict("abc123"))
	require.NoError(t, c.Evict("missing"))

	_, ok := c.Lookup("abc123")
	assert.False(t, ok)
}

func TestResponseCache_MemoryLayerIsBounded(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c, err := New(Config{Dir: t.TempDir(), MemoryEntries: 2}, fake, zap.NewNop())
	require.NoError(t, err)

	for _, fp := range []string{"aa", "bb", "cc", "dd"} {
		require.NoError(t, c.Store(fp, []byte(fp), time.Hour))
	}
	assert.LessOrEqual(t, len(c.memory), 2)

	for _, fp := range []string{"aa", "bb", "cc", "dd"} {
		payload, ok := c.Lookup(fp)
		require.True(t, ok, fp)
		assert.Equal(t, fp, string(payload))
	}
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestResponseCache_ExpiredLookupRemovesFile(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("abc123", []byte("payload"), time.Minute))
	_, err := os.Stat(c.path("abc123"))
	require.NoError(t, err)

	fake.Advance(2 * time.Minute)
	_, ok := c.Lookup("abc123")
	assert.False(t, ok)

	_, err = os.Stat(c.path("abc123"))
	assert.True(t, os.IsNotExist(err), "expired entry file must be removed")
}

func TestResponseCache_ExpiredLookupKeepsRewrittenFile(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("abc123", []byte("old"), time.Minute))
	fake.Advance(2 * time.Minute)

	// another process rewrote the entry after this one loaded the old copy
	other, err := New(Config{Dir: c.dir}, fake, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, other.Store("abc123", []byte("new"), time.Hour))

	_, ok := c.Lookup("abc123")
	assert.False(t, ok, "the in-memory copy is expired")

	_, err = os.Stat(c.path("abc123"))
	require.NoError(t, err, "the fresher file must survive")

	payload, ok := c.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "new", string(payload))
}

func TestResponseCache_LookupReturnsCopy(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("abc123", []byte("payload"), time.Hour))

	first, ok := c.Lookup("abc123")
	require.True(t, ok)
	first[0] = 'X'

	second, ok := c.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "payload", string(second))
}

func TestResponseCache_DiskReadDoesNotReplaceNewerEntry(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	c := newTestCache(t, fake)

	require.NoError(t, c.Store("abc123", []byte("old"), time.Hour))
	stale, err := c.readEntry("abc123")
	require.NoError(t, err)

	fake.Advance(time.Minute)
	require.NoError(t, c.Store("abc123", []byte("new"), time.Hour))

	c.rememberIfNewer(stale)

	payload, ok := c.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "new", string(payload))
}
