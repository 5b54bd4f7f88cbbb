// Package ratelimit throttles fetches per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	minRate      rate.Limit
	logger       *zap.Logger
}

// Config holds rate limiter configuration.
type Config struct {
	// PerHostRPS is the steady request rate per host. Zero disables limiting.
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
	Logger       *zap.Logger
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.PerHostBurst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		minRate:      r / 8,
		logger:       logger.Named("ratelimit"),
	}
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

// Wait blocks until a token is available for the URL's host.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	start := time.Now()
	if err := l.forHost(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		l.logger.Debug("throttled", zap.String("host", host), zap.Duration("delay", d))
	}
	return nil
}

// ReportResult halves the host's rate after a 429, down to an eighth of the
// configured rate, and restores it on the next success.
func (l *Limiter) ReportResult(rawURL string, status int) {
	if l.defaultRate == rate.Inf {
		return
	}
	lim := l.forHost(hostOf(rawURL))
	switch {
	case status == http.StatusTooManyRequests:
		lim.SetLimit(max(lim.Limit()/2, l.minRate))
	case status > 0 && status < 400 && lim.Limit() != l.defaultRate:
		lim.SetLimit(l.defaultRate)
	}
}

// Limit returns the current rate for the URL's host.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.forHost(hostOf(rawURL)).Limit()
}

// Fetcher throttles a wrapped fetcher through a Limiter.
type Fetcher struct {
	next    crawler.Fetcher
	limiter *Limiter
}

// Wrap returns next unchanged when limiter is nil.
func Wrap(next crawler.Fetcher, limiter *Limiter) crawler.Fetcher {
	if limiter == nil {
		return next
	}
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch waits for the host's token, then delegates.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	resp, err := f.next.Fetch(ctx, req)
	if err == nil {
		f.limiter.ReportResult(req.URL, resp.StatusCode)
	}
	return resp, err
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
