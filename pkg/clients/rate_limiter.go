// Package clients provides the protected fetch layer: per-source rate
// limiting and a retrying HTTP fetcher.
package clients

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/errors"
	"github.com/ajitpratap0/finlake/pkg/metrics"
)

// RateProfile is the admission budget of one source.
type RateProfile struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
	JitterMin   time.Duration `yaml:"jitter_min" json:"jitter_min"`
	JitterMax   time.Duration `yaml:"jitter_max" json:"jitter_max"`
}

// Decision is the result of one admission check. A denied decision is a
// scheduling signal, not an error: the caller must wait Wait before asking
// again.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Wait      time.Duration `json:"wait"`
	Jitter    time.Duration `json:"jitter"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetAt   time.Time     `json:"reset_at"`
}

// RateLimiterStats provides statistics about a single source's limiter.
type RateLimiterStats struct {
	Source          string        `json:"source"`
	MaxRequests     int           `json:"max_requests"`
	Window          time.Duration `json:"window"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	TotalWaitTime   time.Duration `json:"total_wait_time"`
}

// sourceWindow holds admissions inside the trailing window, oldest first.
type sourceWindow struct {
	profile    RateProfile
	admissions []time.Time

	allowed   int64
	blocked   int64
	totalWait time.Duration

	mu sync.Mutex
}

// RateLimiter enforces a rolling window per source. Sources are independent:
// waiting on one never blocks another.
type RateLimiter struct {
	clock   clock.Clock
	sources map[string]*sourceWindow

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewRateLimiter creates a limiter for the given source profiles.
func NewRateLimiter(profiles map[string]RateProfile, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}

	rl := &RateLimiter{
		clock:   clk,
		sources: make(map[string]*sourceWindow, len(profiles)),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
	for source, profile := range profiles {
		rl.sources[source] = &sourceWindow{profile: profile}
	}
	return rl
}

// Admit checks whether source may issue a request now. When allowed the
// admission is recorded immediately, so it counts against the window even if
// the request later fails.
func (rl *RateLimiter) Admit(source string) (Decision, error) {
	sw, ok := rl.sources[source]
	if !ok {
		return Decision{}, errors.New(errors.ErrorTypeConfig, "no rate profile for source").
			WithDetail("source", source)
	}

	now := rl.clock.Now()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.evict(now)

	limit := sw.profile.MaxRequests
	if limit <= 0 {
		sw.allowed++
		return Decision{Allowed: true, Jitter: rl.jitter(sw.profile), Limit: limit}, nil
	}

	if len(sw.admissions) < limit {
		sw.admissions = append(sw.admissions, now)
		sw.allowed++
		return Decision{
			Allowed:   true,
			Jitter:    rl.jitter(sw.profile),
			Limit:     limit,
			Remaining: limit - len(sw.admissions),
			ResetAt:   sw.admissions[0].Add(sw.profile.Window),
		}, nil
	}

	resetAt := sw.admissions[0].Add(sw.profile.Window)
	wait := resetAt.Sub(now)
	sw.blocked++
	sw.totalWait += wait

	return Decision{
		Allowed: false,
		Wait:    wait,
		Limit:   limit,
		ResetAt: resetAt,
	}, nil
}

// Acquire blocks until source is admitted, then applies the admission jitter.
func (rl *RateLimiter) Acquire(ctx context.Context, source string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		decision, err := rl.Admit(source)
		if err != nil {
			return err
		}

		if decision.Allowed {
			return rl.clock.Sleep(ctx, decision.Jitter)
		}

		metrics.RateLimitWait.WithLabelValues(source).Observe(decision.Wait.Seconds())
		if err := rl.clock.Sleep(ctx, decision.Wait); err != nil {
			return err
		}
	}
}

// GetStats returns rate limiter statistics for source.
func (rl *RateLimiter) GetStats(source string) RateLimiterStats {
	sw, ok := rl.sources[source]
	if !ok {
		return RateLimiterStats{Source: source}
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	return RateLimiterStats{
		Source:          source,
		MaxRequests:     sw.profile.MaxRequests,
		Window:          sw.profile.Window,
		AllowedRequests: sw.allowed,
		BlockedRequests: sw.blocked,
		TotalWaitTime:   sw.totalWait,
	}
}

// evict drops admissions that left the window. Caller holds sw.mu.
func (sw *sourceWindow) evict(now time.Time) {
	cutoff := now.Add(-sw.profile.Window)
	i := 0
	for i < len(sw.admissions) && !sw.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.admissions = append(sw.admissions[:0], sw.admissions[i:]...)
	}
}

func (rl *RateLimiter) jitter(p RateProfile) time.Duration {
	if p.JitterMax <= p.JitterMin {
		return p.JitterMin
	}

	rl.randMu.Lock()
	n := rl.rand.Int63n(int64(p.JitterMax - p.JitterMin))
	rl.randMu.Unlock()

	return p.JitterMin + time.Duration(n)
}
