package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const robotsFallbackReasonTLSHandshake = "TLS handshake timeout"

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type cachedRobots struct {
	status int
	header http.Header
	body   []byte
}

// robotsCache keeps robots.txt bodies per origin so each fetch's fresh
// collector does not re-download them.
type robotsCache struct {
	entries *expirable.LRU[string, cachedRobots]
	backoff []time.Duration
	logger  *zap.Logger
}

func newRobotsCache(size int, ttl time.Duration, logger *zap.Logger) *robotsCache {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &robotsCache{
		entries: expirable.NewLRU[string, cachedRobots](size, nil, ttl),
		backoff: robotsRetryBackoff,
		logger:  logger,
	}
}

// wrap returns a RoundTripper that serves robots.txt through the cache.
func (c *robotsCache) wrap(base http.RoundTripper) http.RoundTripper {
	return &robotsAwareTransport{base: base, cache: c}
}

type robotsAwareTransport struct {
	base  http.RoundTripper
	cache *robotsCache
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.cache == nil || !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport base roundtrip: %w", err)
		}
		return resp, nil
	}
	key := req.URL.Scheme + "://" + req.URL.Host
	if hit, ok := t.cache.entries.Get(key); ok {
		return hit.response(req), nil
	}
	resp, err := t.cache.roundTripWithRetry(req, t.base)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	entry := cachedRobots{status: resp.StatusCode, header: resp.Header.Clone(), body: body}
	t.cache.entries.Add(key, entry)
	return entry.response(req), nil
}

func (c cachedRobots) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    c.status,
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Header:        c.header.Clone(),
		Request:       req,
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

// roundTripWithRetry retries transient TLS failures and falls back to an
// allow-all robots.txt once the backoff schedule is spent.
func (c *robotsCache) roundTripWithRetry(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	maxAttempts := len(c.backoff) + 1
	for attempt := range maxAttempts {
		resp, err := base.RoundTrip(cloneRequest(req))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots roundtrip non-transient: %w", err)
		}
		if attempt == maxAttempts-1 {
			c.logger.Warn("robots.txt unreachable; allowing all",
				zap.String("host", req.URL.Host),
				zap.String("reason", robotsFallbackReasonTLSHandshake),
				zap.Error(err),
			)
			return syntheticRobotsAllowAllResponse(req), nil
		}
		if err := sleepWithContext(req.Context(), c.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots roundtrip backoff sleep: %w", err)
		}
	}
	return nil, fmt.Errorf("robots roundtrip exhausted retries")
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func syntheticRobotsAllowAllResponse(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
