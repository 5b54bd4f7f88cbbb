package headless

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.ErrorIs(t, err, crawler.ErrValidation)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, 45*time.Second, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
}

func TestFetchRejectsNonGET(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)

	_, err = fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com", Method: http.MethodPost})
	require.ErrorIs(t, err, crawler.ErrNonRetryable)
}

func TestClosedFetcherRefusesWork(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{})
	require.NoError(t, err)
	_, err = fetcher.allocatorFor("")
	require.NoError(t, err)
	_, err = fetcher.allocatorFor("http://proxy:8080")
	require.NoError(t, err)
	require.Len(t, fetcher.allocators, 2)

	fetcher.Close()
	require.Empty(t, fetcher.allocators)
	_, err = fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, crawler.ErrNonRetryable)
}

func TestAllocatorOptionsAddProxy(t *testing.T) {
	t.Parallel()

	base := allocatorOptions("")
	proxied := allocatorOptions("http://proxy:8080")
	require.Len(t, proxied, len(base)+1)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-Empty": nil})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "1", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-Empty")
}

func TestCookieSyncBetweenJarAndBrowser(t *testing.T) {
	t.Parallel()

	target, err := url.Parse("https://shop.example/cart")
	require.NoError(t, err)
	require.Nil(t, cookieParams(nil, target))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	jar.SetCookies(target, []*http.Cookie{{Name: "sid", Value: "abc", Path: "/"}})

	params := cookieParams(jar, target)
	require.Len(t, params, 1)
	require.Equal(t, "sid", params[0].Name)
	require.Equal(t, "abc", params[0].Value)
	require.Equal(t, target.String(), params[0].URL)

	expires := time.Now().Add(time.Hour).Unix()
	jar.SetCookies(target, fromNetworkCookies([]*network.Cookie{
		{Name: "sid", Value: "rotated", Domain: "shop.example", Path: "/", Expires: float64(expires)},
		{Name: "pref", Value: "eu", Domain: ".shop.example", Path: "/", Expires: -1},
	}))
	var pairs []string
	for _, c := range jar.Cookies(target) {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	require.ElementsMatch(t, []string{"sid=rotated", "pref=eu"}, pairs)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, headers, got := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 403, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", got)

	meta = newResponseMeta()
	status, _, got = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", got)
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), crawler.FetchRequest{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, crawler.ErrNonRetryable)
}
