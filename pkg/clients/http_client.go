package clients

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// HTTPConfig configures the transport shared by all fetchers
type HTTPConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	EnableHTTP2           bool          `yaml:"enable_http2" json:"enable_http2"`
	DialTimeout           time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout" json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" json:"response_header_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive" json:"keep_alive"`
}

// DefaultHTTPConfig returns default transport configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		KeepAlive:             30 * time.Second,
	}
}

// NewHTTPClient builds the *http.Client used for source APIs. Per-attempt
// timeouts come from the retry policy, so the client itself has none.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *http.Client {
	if config == nil {
		config = DefaultHTTPConfig()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// State is a step of the retry state machine.
type State int

const (
	StateAttempting State = iota
	StateWaiting
	StateSucceeded
	StateExhausted
	// StateFailed ends a request after a non-retryable outcome.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateWaiting:
		return "waiting"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome classifies one network attempt.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRetryable    Outcome = "retryable"
	OutcomeNonRetryable Outcome = "non_retryable"
)

// FetchAttempt records one network try. It is never persisted.
type FetchAttempt struct {
	Number          int
	StatusCode      int
	Outcome         Outcome
	Err             error
	UserAgent       string
	DelayBeforeNext time.Duration
}

// TransitionFunc observes state machine transitions.
type TransitionFunc func(from, to State, attempt FetchAttempt)

// Response is a successful fetch result.
type Response struct {
	Payload    []byte
	StatusCode int
	Header     http.Header
	Attempts   int
	URL        string
}

// RetryingFetcher performs network calls with exponential backoff, jitter,
// Retry-After handling and identity rotation.
type RetryingFetcher struct {
	client       HTTPDoer
	policy       *RetryPolicy
	clock        clock.Clock
	agents       *UserAgentPool
	headers      map[string]string
	logger       *zap.Logger
	onTransition TransitionFunc
}

// FetcherOption configures a RetryingFetcher.
type FetcherOption func(*RetryingFetcher)

// WithHTTPDoer replaces the HTTP client.
func WithHTTPDoer(d HTTPDoer) FetcherOption {
	return func(f *RetryingFetcher) { f.client = d }
}

// WithClock injects the clock used for backoff waits.
func WithClock(c clock.Clock) FetcherOption {
	return func(f *RetryingFetcher) { f.clock = c }
}

// WithUserAgents replaces the identity pool.
func WithUserAgents(agents []string) FetcherOption {
	return func(f *RetryingFetcher) { f.agents = NewUserAgentPool(agents) }
}

// WithTransitionFunc registers a state machine observer.
func WithTransitionFunc(fn TransitionFunc) FetcherOption {
	return func(f *RetryingFetcher) { f.onTransition = fn }
}

// NewRetryingFetcher creates a fetcher. A nil policy uses DefaultRetryPolicy.
func NewRetryingFetcher(policy *RetryPolicy, logger *zap.Logger, opts ...FetcherOption) *RetryingFetcher {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &RetryingFetcher{
		policy:  policy,
		clock:   clock.New(),
		agents:  NewUserAgentPool(nil),
		headers: defaultHeaders,
		logger:  logger.With(zap.String("component", "retrying_fetcher")),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = NewHTTPClient(nil, f.logger)
	}
	return f
}

// Execute runs the state machine for one logical request. Cancelling ctx
// stops further attempts and backoff waits; an attempt already on the wire
// runs to completion or to its own AttemptTimeout.
func (f *RetryingFetcher) Execute(ctx context.Context, req *core.Request) (*Response, error) {
	fullURL, err := validateRequest(req)
	if err != nil {
		return nil, &errors.FetchError{Kind: errors.FetchNonRetryable, Source: req.Source, URL: req.URL, Cause: err}
	}

	maxAttempts := f.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		state   = StateAttempting
		attempt FetchAttempt
		resp    *Response
		number  int
	)

	for {
		switch state {
		case StateAttempting:
			if number > 0 {
				if err := ctx.Err(); err != nil {
					return nil, f.cancelled(req, attempt, err)
				}
			}

			number++
			resp, attempt = f.attempt(ctx, req, fullURL, number)

			switch {
			case attempt.Outcome == OutcomeSuccess:
				f.transition(state, StateSucceeded, attempt)
				resp.Attempts = number
				return resp, nil

			case attempt.Outcome == OutcomeNonRetryable:
				f.transition(state, StateFailed, attempt)
				return nil, &errors.FetchError{
					Kind:       errors.FetchNonRetryable,
					Source:     req.Source,
					URL:        req.RedactedURL(),
					StatusCode: attempt.StatusCode,
					Attempts:   number,
					Cause:      attempt.Err,
				}

			case number >= maxAttempts:
				f.transition(state, StateExhausted, attempt)
				return nil, &errors.FetchError{
					Kind:       errors.FetchExhausted,
					Source:     req.Source,
					URL:        req.RedactedURL(),
					StatusCode: attempt.StatusCode,
					Attempts:   number,
					Cause:      attempt.Err,
				}

			default:
				attempt.DelayBeforeNext = f.delay(number, resp)
				f.transition(state, StateWaiting, attempt)
				state = StateWaiting
			}

		case StateWaiting:
			f.logger.Warn("retrying request",
				zap.String("source", req.Source),
				zap.String("url", req.RedactedURL()),
				zap.Int("attempt", attempt.Number),
				zap.Int("status", attempt.StatusCode),
				zap.Duration("delay", attempt.DelayBeforeNext),
				zap.Error(attempt.Err))

			if err := f.clock.Sleep(ctx, attempt.DelayBeforeNext); err != nil {
				return nil, f.cancelled(req, attempt, err)
			}
			metrics.FetchRetries.WithLabelValues(req.Source).Inc()
			f.transition(state, StateAttempting, attempt)
			state = StateAttempting
		}
	}
}

// attempt performs one network try. resp is non-nil for any HTTP response,
// including error statuses, so Retry-After can be read.
func (f *RetryingFetcher) attempt(ctx context.Context, req *core.Request, fullURL string, number int) (*Response, FetchAttempt) {
	fa := FetchAttempt{Number: number, UserAgent: f.agents.Next()}

	// Detached from run cancellation so an in-flight attempt is never cut
	// mid-read; the attempt timeout still bounds it.
	attemptCtx := context.WithoutCancel(ctx)
	if f.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, f.policy.AttemptTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.HTTPMethod(), fullURL, nil)
	if err != nil {
		fa.Outcome, fa.Err = OutcomeNonRetryable, err
		return nil, fa
	}

	for k, v := range f.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("User-Agent", fa.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		fa.Outcome, fa.Err = classifyTransportError(err), err
		metrics.FetchAttempts.WithLabelValues(req.Source, metrics.StatusClass(0)).Inc()
		f.logger.Debug("attempt failed", zap.String("url", req.RedactedURL()), zap.Int("attempt", number), zap.Error(err))
		return nil, fa
	}
	defer httpResp.Body.Close()

	fa.StatusCode = httpResp.StatusCode
	metrics.FetchAttempts.WithLabelValues(req.Source, metrics.StatusClass(httpResp.StatusCode)).Inc()

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		URL:        req.RedactedURL(),
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		payload, err := io.ReadAll(httpResp.Body)
		if err != nil {
			fa.Outcome, fa.Err = classifyTransportError(err), err
			return resp, fa
		}
		resp.Payload = payload
		fa.Outcome = OutcomeSuccess

	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64<<10))
		fa.Outcome = OutcomeRetryable
		fa.Err = fmt.Errorf("server returned %s", httpResp.Status)

	default:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		fa.Outcome = OutcomeNonRetryable
		fa.Err = fmt.Errorf("server returned %s: %s", httpResp.Status, string(body))
	}

	f.logger.Debug("attempt finished",
		zap.String("url", req.RedactedURL()),
		zap.Int("attempt", number),
		zap.Int("status", httpResp.StatusCode),
		zap.String("outcome", string(fa.Outcome)))

	return resp, fa
}

// delay returns the wait before the next attempt. An explicit Retry-After
// takes precedence over computed backoff.
func (f *RetryingFetcher) delay(number int, resp *Response) time.Duration {
	if resp != nil {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), f.clock.Now()); ok {
			return f.policy.capDelay(d)
		}
	}
	return f.policy.Backoff(number)
}

func (f *RetryingFetcher) transition(from, to State, attempt FetchAttempt) {
	if f.onTransition != nil {
		f.onTransition(from, to, attempt)
	}
}

func (f *RetryingFetcher) cancelled(req *core.Request, last FetchAttempt, err error) error {
	return &errors.FetchError{
		Kind:       errors.FetchRetryable,
		Source:     req.Source,
		URL:        req.RedactedURL(),
		StatusCode: last.StatusCode,
		Attempts:   last.Number,
		Cause:      err,
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP-date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// classifyTransportError decides whether a transport failure is worth
// retrying. Timeouts, resets and refused connections are; TLS verification
// failures and malformed requests are not.
func classifyTransportError(err error) Outcome {
	var (
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return OutcomeNonRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return OutcomeRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeRetryable
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return OutcomeRetryable
	}

	return OutcomeNonRetryable
}

func validateRequest(req *core.Request) (string, error) {
	fullURL, err := req.FullURL()
	if err != nil {
		return "", fmt.Errorf("malformed url: %w", err)
	}
	u, err := url.Parse(fullURL)
	if err != nil {
		return "", fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", fullURL)
	}
	switch req.HTTPMethod() {
	case http.MethodGet, http.MethodHead:
	default:
		return "", fmt.Errorf("method %s not supported for source fetches", req.HTTPMethod())
	}
	return fullURL, nil
}
