package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/filesystem"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

// countingClient counts backend adds so cache hits are observable.
type countingClient struct {
	storage.RequestQueueClient
	adds atomic.Int32
}

func (c *countingClient) AddRequest(ctx context.Context, req *crawler.Request, forefront bool) (storage.AddResult, error) {
	c.adds.Add(1)
	return c.RequestQueueClient.AddRequest(ctx, req, forefront)
}

func openBackend(t *testing.T, opts ...memory.Option) storage.RequestQueueClient {
	t.Helper()
	rq, err := memory.NewClient(opts...).OpenRequestQueue(context.Background(), storage.OpenOptions{Name: "frontier"})
	require.NoError(t, err)
	return rq
}

func newQueue(t *testing.T, cfg Config, opts ...Option) *Queue {
	t.Helper()
	q, err := New(openBackend(t), cfg, opts...)
	require.NoError(t, err)
	return q
}

func drain(t *testing.T, q *Queue) []string {
	t.Helper()
	ctx := context.Background()
	var urls []string
	for {
		req, err := q.FetchNext(ctx)
		require.NoError(t, err)
		if req == nil {
			return urls
		}
		urls = append(urls, req.URL)
		require.NoError(t, q.MarkHandled(ctx, req))
	}
}

func TestAddDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &countingClient{RequestQueueClient: openBackend(t)}
	q, err := New(backend, DefaultConfig())
	require.NoError(t, err)

	first, err := q.Add(ctx, crawler.MustRequest("http://x/"), false)
	require.NoError(t, err)
	require.False(t, first.WasAlreadyPresent)

	second, err := q.Add(ctx, crawler.MustRequest("HTTP://X:80/#frag"), false)
	require.NoError(t, err)
	require.True(t, second.WasAlreadyPresent)
	require.Equal(t, first.RequestID, second.RequestID)
	require.Equal(t, int32(1), backend.adds.Load())

	meta, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.TotalCount)

	_, err = q.Add(ctx, &crawler.Request{URL: "http://x"}, false)
	require.ErrorIs(t, err, crawler.ErrValidation)
}

func TestDedupReportsHandled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t, DefaultConfig())
	_, err := q.Add(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)
	require.Equal(t, []string{"http://x/a"}, drain(t, q))

	res, err := q.Add(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)
	require.True(t, res.WasAlreadyPresent)
	require.True(t, res.WasAlreadyHandled)

	// A second queue over the same backend has a cold cache and asks the store.
	other, err := New(q.client, DefaultConfig())
	require.NoError(t, err)
	res, err = other.Add(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)
	require.True(t, res.WasAlreadyHandled)
}

func TestForefrontServedFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t, DefaultConfig())
	_, err := q.AddBatch(ctx, []*crawler.Request{
		crawler.MustRequest("http://x/a"),
		crawler.MustRequest("http://x/b"),
		crawler.MustRequest("http://x/c"),
	}, false)
	require.NoError(t, err)

	// Prime the head cache, then jump the queue.
	first, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "http://x/a", first.URL)
	require.NoError(t, q.MarkHandled(ctx, first))

	_, err = q.AddBatch(ctx, []*crawler.Request{
		crawler.MustRequest("http://x/f1"),
		crawler.MustRequest("http://x/f2"),
	}, true)
	require.NoError(t, err)

	require.Equal(t, []string{"http://x/f1", "http://x/f2", "http://x/b", "http://x/c"}, drain(t, q))
}

func TestReclaimBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	q := newQueue(t, cfg)
	_, err := q.Add(ctx, crawler.MustRequest("http://x/flaky"), false)
	require.NoError(t, err)

	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		req, err := q.FetchNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, req, "attempt %d", attempt)
		res, err := q.Reclaim(ctx, req, false)
		require.NoError(t, err)
		require.Equal(t, attempt, res.RetryCount)
		require.Equal(t, attempt == cfg.MaxRetries+1, res.Failed)
	}

	req, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Nil(t, req)

	meta, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.FailedCount)
	finished, err := q.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t, DefaultConfig())
	_, err := q.Add(ctx, crawler.MustRequest("http://x/once", crawler.WithNoRetry()), false)
	require.NoError(t, err)
	req, err := q.FetchNext(ctx)
	require.NoError(t, err)
	res, err := q.Reclaim(ctx, req, false)
	require.NoError(t, err)
	require.True(t, res.Failed)
}

func TestFailRecordsReason(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t, DefaultConfig())
	_, err := q.Add(ctx, crawler.MustRequest("http://x/bad"), false)
	require.NoError(t, err)
	req, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, req, "validation: missing title"))

	stored, err := q.client.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.RequestFailed, stored.State)
	require.Equal(t, []string{"validation: missing title"}, stored.ErrorMessages)
	require.Zero(t, q.InFlight())
}

func TestConcurrentFetchIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := openBackend(t)
	const n = 30
	seed, err := New(backend, DefaultConfig())
	require.NoError(t, err)
	for i := range n {
		_, err := seed.Add(ctx, crawler.MustRequest(fmt.Sprintf("http://x/%d", i)), false)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 6 {
		cfg := DefaultConfig()
		cfg.HeadSize = 3
		worker, err := New(backend, cfg)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				req, err := worker.FetchNext(ctx)
				if err != nil || req == nil {
					return
				}
				mu.Lock()
				seen[req.ID]++
				mu.Unlock()
				_ = worker.MarkHandled(ctx, req)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, id)
	}
}

func TestIsFinishedAndIsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t, DefaultConfig())
	finished, err := q.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)

	_, err = q.Add(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)
	req, err := q.FetchNext(ctx)
	require.NoError(t, err)

	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
	finished, err = q.IsFinished(ctx)
	require.NoError(t, err)
	require.False(t, finished)

	require.NoError(t, q.MarkHandled(ctx, req))
	require.NotNil(t, req.HandledAt)
	finished, err = q.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
	handled, err := q.HandledCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, handled)
}

func TestStaleHeadIsRefetched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := system.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.LockTTL = time.Minute
	q, err := New(openBackend(t, memory.WithClock(clock)), cfg, WithClock(clock))
	require.NoError(t, err)
	for _, u := range []string{"http://x/a", "http://x/b"} {
		_, err := q.Add(ctx, crawler.MustRequest(u), false)
		require.NoError(t, err)
	}
	a, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "http://x/a", a.URL)

	clock.Advance(2 * time.Minute)
	b, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "http://x/b", b.URL)
	require.Equal(t, 2, q.InFlight())
}

func TestCloseReleasesHead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := openBackend(t)
	q, err := New(backend, DefaultConfig())
	require.NoError(t, err)
	for _, u := range []string{"http://x/a", "http://x/b"} {
		_, err := q.Add(ctx, crawler.MustRequest(u), false)
		require.NoError(t, err)
	}
	_, err = q.FetchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Close(ctx))

	other, err := New(backend, DefaultConfig())
	require.NoError(t, err)
	req, err := other.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "http://x/b", req.URL)
}

func TestReleaseKeepsRetryCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := openBackend(t)
	q, err := New(backend, DefaultConfig())
	require.NoError(t, err)
	_, err = q.Add(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)

	req, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, q.InFlight())
	require.NoError(t, q.Release(ctx, req))
	require.Zero(t, q.InFlight())

	other, err := New(backend, DefaultConfig())
	require.NoError(t, err)
	again, err := other.FetchNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, req.ID, again.ID)
	require.Zero(t, again.RetryCount)
	require.Equal(t, crawler.RequestPending, again.State)
}

func TestRestartReleasesStaleLocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	open := func() *Queue {
		client, err := filesystem.New(filesystem.Config{Dir: dir})
		require.NoError(t, err)
		m := storage.NewManager(client, storage.ManagerConfig{}, nil)
		t.Cleanup(func() { _ = m.Close() })
		q, err := Open(ctx, m, storage.OpenOptions{Name: "frontier"}, DefaultConfig())
		require.NoError(t, err)
		return q
	}

	first := open()
	_, err := first.Add(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)
	_, err = first.Add(ctx, crawler.MustRequest("http://x/b"), false)
	require.NoError(t, err)
	req, err := first.FetchNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	// The first process dies holding its locks.
	second := open()
	meta, err := second.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, meta.InProgressCount)
	require.Equal(t, 2, meta.PendingCount)

	require.Equal(t, []string{"http://x/a", "http://x/b"}, drain(t, second))
	finished, err := second.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestExpiredLockCannotBeCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := system.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.LockTTL = time.Minute
	cfg.HeadSize = 1
	backend := openBackend(t, memory.WithClock(clock))
	slow, err := New(backend, cfg, WithClock(clock), WithClientKey("slow"))
	require.NoError(t, err)
	fast, err := New(backend, cfg, WithClock(clock), WithClientKey("fast"))
	require.NoError(t, err)

	_, err = slow.Add(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)
	stale, err := slow.FetchNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, stale)

	clock.Advance(2 * time.Minute)
	taken, err := fast.FetchNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	require.Equal(t, stale.ID, taken.ID)

	require.ErrorIs(t, slow.MarkHandled(ctx, stale), storage.ErrLockLost)
	require.Zero(t, slow.InFlight())
	_, err = slow.Reclaim(ctx, stale, false)
	require.ErrorIs(t, err, storage.ErrLockLost)

	require.NoError(t, fast.MarkHandled(ctx, taken))
	meta, err := fast.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.HandledCount)
	require.Zero(t, meta.PendingCount)
}
