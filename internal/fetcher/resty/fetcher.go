// Package restyfetcher implements a plain HTTP Fetcher on top of go-resty.
// It skips robots.txt handling and HTML callbacks, which makes it a lighter
// static path than the colly fetcher for JSON APIs and simple pages.
package restyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config controls client behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	Logger       *zap.Logger
}

// Fetcher implements crawler.Fetcher with a resty client per fetch. Clients
// are cheap; transports are pooled per proxy so connections are reused.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		logger:     logger.Named("resty_fetcher"),
		transports: make(map[string]*http.Transport),
	}
}

// Fetch performs the request. Non-2xx responses are returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	client, err := f.client(request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	req := client.R().SetContext(ctx)
	if len(request.Headers) > 0 {
		req.SetHeaderMultiValues(request.Headers)
	}
	if len(request.Payload) > 0 {
		req.SetBody(request.Payload)
	}
	start := time.Now()
	resp, err := req.Execute(method, request.URL)
	if err != nil {
		return crawler.FetchResponse{}, classify(ctx, err)
	}

	finalURL := request.URL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}
	return crawler.FetchResponse{
		URL:        finalURL,
		StatusCode: resp.StatusCode(),
		Headers:    resp.Header().Clone(),
		Body:       resp.Body(),
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) client(request crawler.FetchRequest) (*resty.Client, error) {
	transport, err := f.transportFor(request.ProxyURL)
	if err != nil {
		return nil, err
	}
	client := resty.NewWithClient(&http.Client{Transport: transport, Jar: request.CookieJar})
	client.SetTimeout(f.cfg.Timeout)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(f.cfg.MaxRedirects))
	if f.cfg.UserAgent != "" {
		client.SetHeader("User-Agent", f.cfg.UserAgent)
	}
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		f.logger.Debug("fetched",
			zap.String("session_id", request.SessionID),
			zap.String("url", res.Request.URL),
			zap.Int("status", res.StatusCode()),
			zap.Duration("elapsed", res.Time()),
		)
		return nil
	})
	return client, nil
}

func (f *Fetcher) transportFor(proxyURL string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[proxyURL]; ok {
		return t, nil
	}
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
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

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return crawler.NewTimeoutError("resty fetch", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return crawler.NewTimeoutError("resty fetch", err)
	default:
		return fmt.Errorf("resty fetch: %w", err)
	}
}
