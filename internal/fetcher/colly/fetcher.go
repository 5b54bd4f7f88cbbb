// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 10 << 20
	defaultRobotsTTL   = time.Hour
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
	RobotsTTL     time.Duration
	Logger        *zap.Logger
}

// Fetcher implements crawler.Fetcher using the Colly collector.
//
// Every fetch runs on a fresh collector because clones share their HTTP
// backend, and the cookie jar and proxy belong to the request's session.
type Fetcher struct {
	cfg    Config
	robots *robotsCache
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodySize
	}
	if cfg.RobotsTTL <= 0 {
		cfg.RobotsTTL = defaultRobotsTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("colly_fetcher")
	return &Fetcher{
		cfg:        cfg,
		robots:     newRobotsCache(0, cfg.RobotsTTL, logger),
		logger:     logger,
		transports: make(map[string]*http.Transport),
	}
}

// Fetch executes a single HTTP request using Colly. Responses with error
// status codes are returned, not treated as failures, so callers can inspect
// them for blocking.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(ctx, request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	var body io.Reader
	if len(request.Payload) > 0 {
		body = bytes.NewReader(request.Payload)
	}
	visit := func() error {
		return collector.Request(method, request.URL, body, nil, request.Headers.Clone())
	}
	if err := f.runCollector(ctx, visit, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, request crawler.FetchRequest) (*colly.Collector, error) {
	transport, err := f.transportFor(request.ProxyURL)
	if err != nil {
		return nil, err
	}
	collector := colly.NewCollector(
		colly.Async(false),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.AllowURLRevisit(),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(&contextTransport{ctx: ctx, base: f.robots.wrap(transport)})
	if request.CookieJar != nil {
		collector.SetCookieJar(request.CookieJar)
	}
	return collector, nil
}

// transportFor returns the pooled transport for a proxy, creating it once.
func (f *Fetcher) transportFor(proxyURL string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[proxyURL]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, crawler.NonRetryable(fmt.Errorf("parse proxy url: %w", err))
		}
		t.Proxy = http.ProxyURL(u)
	}
	f.transports[proxyURL] = t
	return t, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Headers:      headers,
			Body:         append([]byte(nil), r.Body...),
			Duration:     time.Since(start),
			UsedHeadless: false,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return crawler.NewTimeoutError("colly fetch", ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, colly.ErrRobotsTxtBlocked):
			return crawler.NonRetryable(fmt.Errorf("colly visit: %w", err))
		case ctx.Err() != nil:
			return crawler.NewTimeoutError("colly fetch", err)
		default:
			return fmt.Errorf("colly visit failed: %w", err)
		}
	}
}

// contextTransport binds outgoing requests to the fetch context, which colly
// does not plumb through on its own.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
