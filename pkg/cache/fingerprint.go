package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
)

// Fingerprint returns the cache key of a logical request: a sha256 over the
// method, the normalized URL, every query parameter sorted by key and value,
// and the relevant headers. Parameter order never changes the result.
func Fingerprint(method, rawURL string, params url.Values, headers map[string]string, relevant []string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	query := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	var b strings.Builder
	if method == "" {
		method = "GET"
	}
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(normalizeURL(u))
	b.WriteByte('\n')
	b.WriteString(canonicalQuery(query))
	b.WriteByte('\n')
	b.WriteString(canonicalHeaders(headers, relevant))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintRequest fingerprints a core.Request.
func FingerprintRequest(req *core.Request) (string, error) {
	return Fingerprint(req.HTTPMethod(), req.URL, req.Params, req.Headers, req.RelevantHeaders)
}

// normalizeURL lower-cases scheme and host, drops default ports, the
// fragment, user info and the query.
func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" {
		if !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
			host += ":" + port
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalHeaders(headers map[string]string, relevant []string) string {
	if len(relevant) == 0 || len(headers) == 0 {
		return ""
	}

	lowered := make(map[string]string, len(headers))
	for k, v := range headers {
		lowered[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	names := make([]string, 0, len(relevant))
	for _, name := range relevant {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		v, ok := lowered[name]
		if !ok {
			continue
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String()
}
