// Package ratelimit implements per-host token buckets so concurrent workers
// do not burst a single bookstore.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bookmeta/internal/metrics"
)

// Limiter manages per-host rate limits for plain fetches and a separate,
// stricter budget for headless renders.
type Limiter struct {
	mu            sync.Mutex
	limiters      map[string]*rate.Limiter
	headless      map[string]*rate.Limiter
	hostRates     map[string]rate.Limit
	defaultRate   rate.Limit
	defaultBurst  int
	headlessRate  rate.Limit
	headlessBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS    float64
	DefaultBurst  int
	HostRPS       map[string]float64
	HeadlessRPS   float64
	HeadlessBurst int
}

// New creates a new Limiter. A non-positive rate means unlimited.
func New(cfg Config) *Limiter {
	hostRates := make(map[string]rate.Limit, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		hostRates[strings.ToLower(host)] = toLimit(rps)
	}
	return &Limiter{
		limiters:      make(map[string]*rate.Limiter),
		headless:      make(map[string]*rate.Limiter),
		hostRates:     hostRates,
		defaultRate:   toLimit(cfg.DefaultRPS),
		defaultBurst:  atLeastOne(cfg.DefaultBurst),
		headlessRate:  toLimit(cfg.HeadlessRPS),
		headlessBurst: atLeastOne(cfg.HeadlessBurst),
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func atLeastOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := hostOf(rawURL)
	limiter := l.fetchLimiter(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were immediately available are not worth a sample.
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, duration)
	}
	return nil
}

// AllowHeadless reports whether a headless render of rawURL fits the
// host's render budget right now. It never blocks.
func (l *Limiter) AllowHeadless(rawURL string) bool {
	domain := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.headless[domain]
	if !exists {
		limiter = rate.NewLimiter(l.headlessRate, l.headlessBurst)
		l.headless[domain] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *Limiter) fetchLimiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[domain]
	if !exists {
		r, ok := l.hostRates[domain]
		if !ok {
			r = l.defaultRate
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
