package collyfetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRobotsRetryReturnsAllowAllOnTimeout(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	cache := newRobotsCache(8, time.Minute, zap.New(core))
	cache.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	base := &stubRoundTripper{
		results: []roundTripResult{
			{err: context.DeadlineExceeded},
			{err: context.DeadlineExceeded},
			{err: context.DeadlineExceeded},
			{err: context.DeadlineExceeded},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := cache.wrap(base).RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, 4, base.calls)
	require.Equal(t, 1, logs.FilterMessage("robots.txt unreachable; allowing all").Len())
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	cache := newRobotsCache(8, time.Minute, nil)
	cache.backoff = []time.Duration{time.Millisecond}
	base := &stubRoundTripper{
		results: []roundTripResult{
			{err: context.DeadlineExceeded},
			{resp: textResponse(http.StatusOK, "User-agent: *\nDisallow: /x")},
		},
	}
	transport := cache.wrap(base)

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
		resp, err := transport.RoundTrip(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "User-agent: *\nDisallow: /x", string(body))
	}
	require.Equal(t, 2, base.calls)
}

func TestRobotsServerErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	cache := newRobotsCache(8, time.Minute, nil)
	base := &stubRoundTripper{
		results: []roundTripResult{
			{resp: textResponse(http.StatusBadGateway, "")},
			{resp: textResponse(http.StatusNotFound, "")},
		},
	}
	transport := cache.wrap(base)
	for _, want := range []int{http.StatusBadGateway, http.StatusNotFound, http.StatusNotFound} {
		req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
		resp, err := transport.RoundTrip(req)
		require.NoError(t, err)
		require.Equal(t, want, resp.StatusCode)
	}
	require.Equal(t, 2, base.calls)
}

func TestNonRobotsRequestsPassThrough(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{resp: textResponse(http.StatusOK, "page")}}}
	transport := newRobotsCache(8, time.Minute, nil).wrap(base)
	for range 2 {
		resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/page", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	require.Equal(t, 2, base.calls)
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	if len(s.results) == 0 {
		return nil, context.DeadlineExceeded
	}
	idx := min(s.calls, len(s.results)-1)
	res := s.results[idx]
	return res.resp, res.err
}
