package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestFetchReturnsErrorStatusBodies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Reason", "bot")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "access denied")
	}))
	t.Cleanup(srv.Close)

	resp, err := New(Config{}).Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/p"})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "access denied", string(resp.Body))
	require.Equal(t, "bot", resp.Headers.Get("X-Reason"))
	require.False(t, resp.UsedHeadless)
}

func TestFetchSendsMethodPayloadAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, r.Method+"|"+string(body)+"|"+r.Header.Get("X-Trace")+"|"+r.UserAgent())
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "orchestrator-test"})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/search",
		Method:  http.MethodPost,
		Payload: []byte(`q=shoes`),
		Headers: http.Header{"X-Trace": {"abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, "POST|q=shoes|abc|orchestrator-test", string(resp.Body))
	require.Equal(t, srv.URL+"/search", resp.URL)
}

func TestFetchUsesSessionCookieJar(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s1", Path: "/"})
			return
		}
		c, err := r.Cookie("sid")
		if err != nil {
			_, _ = io.WriteString(w, "anonymous")
			return
		}
		_, _ = io.WriteString(w, c.Value)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	f := New(Config{})
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/login", CookieJar: jar})
	require.NoError(t, err)
	resp, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/me", CookieJar: jar})
	require.NoError(t, err)
	require.Equal(t, "s1", string(resp.Body))

	resp, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/me"})
	require.NoError(t, err)
	require.Equal(t, "anonymous", string(resp.Body))
}

func TestFetchRoutesThroughProxy(t *testing.T) {
	t.Parallel()

	var seenHost atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost.Store(r.URL.Host)
		_, _ = io.WriteString(w, "via proxy")
	}))
	t.Cleanup(proxy.Close)

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:      "http://shop.example/item",
		ProxyURL: proxy.URL,
	})
	require.NoError(t, err)
	require.Equal(t, "via proxy", string(resp.Body))
	require.Equal(t, "shop.example", seenHost.Load())

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://shop.example/", ProxyURL: "://bad"})
	require.ErrorIs(t, err, crawler.ErrNonRetryable)
}

func TestFetchRespectsRobotsWithCache(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			_, _ = io.WriteString(w, "User-agent: *\nDisallow: /private")
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	f := New(Config{RespectRobots: true})
	resp, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/public"})
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))

	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/private/page"})
	require.ErrorIs(t, err, crawler.ErrNonRetryable)
	require.Equal(t, crawler.ClassValidation, crawler.Classify(err))
	require.Equal(t, int32(1), robotsHits.Load())
}

func TestFetchTimesOut(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, crawler.ErrTimeout)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Now(), &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	u, err := url.Parse("https://example.com/final")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))
	require.Equal(t, "https://example.com/final", result.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
