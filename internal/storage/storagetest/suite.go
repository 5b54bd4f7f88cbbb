// Package storagetest provides a conformance suite that every storage backend
// runs, so dedup, ordering, and purge behavior stay identical across them.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// Factory builds backends for the suite.
type Factory struct {
	// New returns an empty backend.
	New func(t *testing.T) storage.Client
	// Restart returns a backend over the same data, as a new process would see it.
	Restart func(t *testing.T, prev storage.Client) storage.Client
}

// Run executes the conformance suite against the factory.
func Run(t *testing.T, f Factory) {
	t.Helper()
	tests := map[string]func(*testing.T, Factory){
		"OpenValidation":       testOpenValidation,
		"OpenIsStable":         testOpenIsStable,
		"DatasetPushList":      testDatasetPushList,
		"DatasetPurge":         testDatasetPurge,
		"KeyValueRoundTrip":    testKeyValueRoundTrip,
		"QueueDedup":           testQueueDedup,
		"QueueOrdering":        testQueueOrdering,
		"QueueConcurrentFetch": testQueueConcurrentFetch,
		"QueueUnlock":          testQueueUnlock,
		"QueueTerminalStates":  testQueueTerminalStates,
		"QueueLockOwnership":   testQueueLockOwnership,
		"QueueReclaimOrder":    testQueueReclaimOrder,
		"PurgeOnStart":         testPurgeOnStart,
		"DropIdempotent":       testDropIdempotent,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, f)
		})
	}
}

func testOpenValidation(t *testing.T, f Factory) {
	ctx := context.Background()
	client := f.New(t)

	_, err := client.OpenDataset(ctx, storage.OpenOptions{Name: "a", Alias: "b"})
	require.ErrorIs(t, err, storage.ErrValidation)

	for _, bad := range []string{"-lead", "trail-", "under_score", "sp ace", "dot.ted"} {
		_, err = client.OpenKeyValueStore(ctx, storage.OpenOptions{Name: bad})
		require.ErrorIs(t, err, storage.ErrValidation, bad)
	}

	ds, err := client.OpenDataset(ctx, storage.OpenOptions{})
	require.NoError(t, err)
	meta, err := ds.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.DefaultAlias, meta.Alias)
	require.Empty(t, meta.Name)
	require.Equal(t, storage.KindDataset, meta.Kind)
}

func testOpenIsStable(t *testing.T, f Factory) {
	ctx := context.Background()
	client := f.New(t)

	first, err := client.OpenRequestQueue(ctx, storage.OpenOptions{Name: "frontier"})
	require.NoError(t, err)
	second, err := client.OpenRequestQueue(ctx, storage.OpenOptions{Name: "frontier"})
	require.NoError(t, err)
	m1, err := first.Metadata(ctx)
	require.NoError(t, err)
	m2, err := second.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, m1.ID, m2.ID)

	other, err := client.OpenRequestQueue(ctx, storage.OpenOptions{Alias: "frontier"})
	require.NoError(t, err)
	m3, err := other.Metadata(ctx)
	require.NoError(t, err)
	require.NotEqual(t, m1.ID, m3.ID)
}

func testDatasetPushList(t *testing.T, f Factory) {
	ctx := context.Background()
	ds, err := f.New(t).OpenDataset(ctx, storage.OpenOptions{Name: "items"})
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, ds.PushItems(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))))
	}
	err = ds.PushItems(ctx, json.RawMessage(`{broken`))
	require.ErrorIs(t, err, storage.ErrValidation)

	page, err := ds.ListItems(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	require.JSONEq(t, `{"n":1}`, string(page.Items[0]))
	require.JSONEq(t, `{"n":2}`, string(page.Items[1]))

	all, err := ds.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all.Items, 5)

	past, err := ds.ListItems(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, past.Items)

	meta, err := ds.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, meta.ItemCount)
}

func testDatasetPurge(t *testing.T, f Factory) {
	ctx := context.Background()
	ds, err := f.New(t).OpenDataset(ctx, storage.OpenOptions{Alias: "scratch"})
	require.NoError(t, err)
	require.NoError(t, ds.PushItems(ctx, json.RawMessage(`1`), json.RawMessage(`2`)))
	before, err := ds.Metadata(ctx)
	require.NoError(t, err)

	require.NoError(t, ds.Purge(ctx))

	after, err := ds.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, before.ID, after.ID)
	require.Zero(t, after.ItemCount)
	page, err := ds.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, page.Items)

	require.NoError(t, ds.PushItems(ctx, json.RawMessage(`3`)))
	page, err = ds.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.JSONEq(t, `3`, string(page.Items[0]))
}

func testKeyValueRoundTrip(t *testing.T, f Factory) {
	ctx := context.Background()
	kv, err := f.New(t).OpenKeyValueStore(ctx, storage.OpenOptions{Name: "state"})
	require.NoError(t, err)

	_, ok, err := kv.GetValue(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.SetValue(ctx, "b-key", []byte(`{"x":1}`), "application/json"))
	require.NoError(t, kv.SetValue(ctx, "a-key", []byte("raw"), ""))
	require.ErrorIs(t, kv.SetValue(ctx, "bad/key", []byte("x"), ""), storage.ErrValidation)

	rec, ok, err := kv.GetValue(ctx, "b-key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "application/json", rec.ContentType)
	require.JSONEq(t, `{"x":1}`, string(rec.Value))

	rec, ok, err = kv.GetValue(ctx, "a-key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "application/octet-stream", rec.ContentType)

	keys, err := kv.ListKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a-key", "b-key"}, keys)

	require.NoError(t, kv.DeleteValue(ctx, "a-key"))
	require.NoError(t, kv.DeleteValue(ctx, "a-key"))
	keys, err = kv.ListKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b-key"}, keys)
}

func testQueueDedup(t *testing.T, f Factory) {
	ctx := context.Background()
	q, err := f.New(t).OpenRequestQueue(ctx, storage.OpenOptions{Name: "dedup"})
	require.NoError(t, err)

	first, err := q.AddRequest(ctx, crawler.MustRequest("http://x"), false)
	require.NoError(t, err)
	require.False(t, first.WasAlreadyPresent)

	dup := crawler.MustRequest("http://x", crawler.WithLabel("other"), crawler.WithUserData(map[string]any{"k": 1}))
	second, err := q.AddRequest(ctx, dup, true)
	require.NoError(t, err)
	require.True(t, second.WasAlreadyPresent)
	require.False(t, second.WasAlreadyHandled)
	require.Equal(t, first.RequestID, second.RequestID)

	meta, err := q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.TotalCount)
	require.Equal(t, 1, meta.PendingCount)

	stored, err := q.GetRequest(ctx, first.RequestID)
	require.NoError(t, err)
	require.Empty(t, stored.Label)

	_, err = q.GetRequest(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testQueueOrdering(t *testing.T, f Factory) {
	ctx := context.Background()
	q, err := f.New(t).OpenRequestQueue(ctx, storage.OpenOptions{Name: "order"})
	require.NoError(t, err)

	add := func(path string, forefront bool) {
		_, err := q.AddRequest(ctx, crawler.MustRequest("http://x/"+path), forefront)
		require.NoError(t, err)
	}
	add("a", false)
	add("b", false)
	add("f1", true)
	add("c", false)
	add("f2", true)

	got, err := q.FetchAndLock(ctx, "client", 10, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"/f1", "/f2", "/a", "/b", "/c"}, paths(got))

	meta, err := q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, meta.PendingCount)
	require.Equal(t, 5, meta.InProgressCount)

	again, err := q.FetchAndLock(ctx, "other", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)
}

func testQueueConcurrentFetch(t *testing.T, f Factory) {
	ctx := context.Background()
	q, err := f.New(t).OpenRequestQueue(ctx, storage.OpenOptions{Name: "concurrent"})
	require.NoError(t, err)

	const n = 20
	for i := range n {
		_, err := q.AddRequest(ctx, crawler.MustRequest(fmt.Sprintf("http://x/%d", i)), false)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.FetchAndLock(ctx, fmt.Sprintf("client-%d", i), 1, time.Minute)
			if err != nil || len(got) != 1 {
				return
			}
			mu.Lock()
			seen[got[0].ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, id)
	}
}

func testQueueUnlock(t *testing.T, f Factory) {
	ctx := context.Background()
	q, err := f.New(t).OpenRequestQueue(ctx, storage.OpenOptions{Name: "unlock"})
	require.NoError(t, err)
	for _, p := range []string{"a", "b", "c"} {
		_, err := q.AddRequest(ctx, crawler.MustRequest("http://x/"+p), false)
		require.NoError(t, err)
	}

	locked, err := q.FetchAndLock(ctx, "one", 2, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/b"}, paths(locked))

	require.NoError(t, q.Unlock(ctx, "someone-else", []string{locked[0].ID}))
	none, err := q.FetchAndLock(ctx, "two", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"/c"}, paths(none))

	require.NoError(t, q.Unlock(ctx, "one", []string{locked[0].ID, locked[1].ID}))
	back, err := q.FetchAndLock(ctx, "two", 5, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/b"}, paths(back))
}

func testQueueTerminalStates(t *testing.T, f Factory) {
	ctx := context.Background()
	q, err := f.New(t).OpenRequestQueue(ctx, storage.OpenOptions{Name: "terminal"})
	require.NoError(t, err)
	_, err = q.AddRequest(ctx, crawler.MustRequest("http://x/ok"), false)
	require.NoError(t, err)
	_, err = q.AddRequest(ctx, crawler.MustRequest("http://x/bad"), false)
	require.NoError(t, err)

	locked, err := q.FetchAndLock(ctx, "c", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 2)

	now := time.Now().UTC()
	locked[0].State = crawler.RequestHandled
	locked[0].HandledAt = &now
	require.NoError(t, q.UpdateRequest(ctx, "c", locked[0], false))
	locked[1].State = crawler.RequestFailed
	require.NoError(t, q.UpdateRequest(ctx, "c", locked[1], false))

	meta, err := q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.HandledCount)
	require.Equal(t, 1, meta.FailedCount)
	require.Zero(t, meta.PendingCount)
	require.Zero(t, meta.InProgressCount)

	more, err := q.FetchAndLock(ctx, "c", 5, time.Minute)
	require.NoError(t, err)
	require.Empty(t, more)

	res, err := q.AddRequest(ctx, crawler.MustRequest("http://x/ok"), false)
	require.NoError(t, err)
	require.True(t, res.WasAlreadyPresent)
	require.True(t, res.WasAlreadyHandled)

	err = q.UpdateRequest(ctx, "", crawler.MustRequest("http://x/unknown"), false)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testQueueLockOwnership(t *testing.T, f Factory) {
	ctx := context.Background()
	q, err := f.New(t).OpenRequestQueue(ctx, storage.OpenOptions{Name: "owner"})
	require.NoError(t, err)
	_, err = q.AddRequest(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)

	locked, err := q.FetchAndLock(ctx, "one", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	req := locked[0]

	req.State = crawler.RequestHandled
	require.ErrorIs(t, q.UpdateRequest(ctx, "two", req, false), storage.ErrLockLost)
	meta, err := q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.InProgressCount)
	require.Zero(t, meta.HandledCount)

	require.NoError(t, q.Unlock(ctx, "one", []string{req.ID}))
	require.ErrorIs(t, q.UpdateRequest(ctx, "one", req, false), storage.ErrLockLost)

	err = q.UpdateRequest(ctx, "one", crawler.MustRequest("http://x/unknown"), false)
	require.ErrorIs(t, err, storage.ErrNotFound)

	again, err := q.FetchAndLock(ctx, "two", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	again[0].State = crawler.RequestHandled
	require.NoError(t, q.UpdateRequest(ctx, "two", again[0], false))
	meta, err = q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.HandledCount)
	require.Zero(t, meta.InProgressCount)
}

func testQueueReclaimOrder(t *testing.T, f Factory) {
	ctx := context.Background()
	q, err := f.New(t).OpenRequestQueue(ctx, storage.OpenOptions{Name: "reclaim"})
	require.NoError(t, err)
	for _, p := range []string{"a", "b", "c"} {
		_, err := q.AddRequest(ctx, crawler.MustRequest("http://x/"+p), false)
		require.NoError(t, err)
	}
	head, err := q.FetchAndLock(ctx, "c", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, paths(head))

	head[0].State = crawler.RequestPending
	head[0].RetryCount++
	require.NoError(t, q.UpdateRequest(ctx, "c", head[0], false))

	rest, err := q.FetchAndLock(ctx, "c", 5, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"/b", "/c", "/a"}, paths(rest))
	require.Equal(t, 1, rest[2].RetryCount)

	rest[0].State = crawler.RequestPending
	require.NoError(t, q.UpdateRequest(ctx, "c", rest[0], true))
	front, err := q.FetchAndLock(ctx, "c", 5, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"/b"}, paths(front))
}

func testPurgeOnStart(t *testing.T, f Factory) {
	ctx := context.Background()
	client := f.New(t)
	first := storage.NewManager(client, storage.ManagerConfig{PurgeOnStart: true}, nil)

	alias, err := first.OpenDataset(ctx, storage.OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, alias.PushItems(ctx, json.RawMessage(`{"run":1}`)))
	named, err := first.OpenDataset(ctx, storage.OpenOptions{Name: "keep"})
	require.NoError(t, err)
	require.NoError(t, named.PushItems(ctx, json.RawMessage(`{"run":1}`)))

	again, err := first.OpenDataset(ctx, storage.OpenOptions{})
	require.NoError(t, err)
	page, err := again.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "same process must not purge twice")

	noPurge := storage.NewManager(f.Restart(t, client), storage.ManagerConfig{PurgeOnStart: false}, nil)
	kept, err := noPurge.OpenDataset(ctx, storage.OpenOptions{})
	require.NoError(t, err)
	page, err = kept.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "purge disabled keeps alias contents")

	restarted := storage.NewManager(f.Restart(t, client), storage.ManagerConfig{PurgeOnStart: true}, nil)
	fresh, err := restarted.OpenDataset(ctx, storage.OpenOptions{})
	require.NoError(t, err)
	page, err = fresh.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, page.Items, "alias contents purged on start")

	keep, err := restarted.OpenDataset(ctx, storage.OpenOptions{Name: "keep"})
	require.NoError(t, err)
	page, err = keep.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "named stores are never purged")
}

func testDropIdempotent(t *testing.T, f Factory) {
	ctx := context.Background()
	client := f.New(t)
	kv, err := client.OpenKeyValueStore(ctx, storage.OpenOptions{Name: "gone"})
	require.NoError(t, err)
	require.NoError(t, kv.SetValue(ctx, "k", []byte("v"), "text/plain"))
	before, err := kv.Metadata(ctx)
	require.NoError(t, err)

	require.NoError(t, kv.Drop(ctx))
	require.NoError(t, kv.Drop(ctx))

	_, err = kv.Metadata(ctx)
	require.ErrorIs(t, err, storage.ErrStorageDropped)
	_, _, err = kv.GetValue(ctx, "k")
	require.ErrorIs(t, err, storage.ErrStorageDropped)

	reopened, err := client.OpenKeyValueStore(ctx, storage.OpenOptions{Name: "gone"})
	require.NoError(t, err)
	after, err := reopened.Metadata(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.ID, after.ID)
	_, ok, err := reopened.GetValue(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	q, err := client.OpenRequestQueue(ctx, storage.OpenOptions{Name: "gone"})
	require.NoError(t, err)
	require.NoError(t, q.Drop(ctx))
	require.NoError(t, q.Drop(ctx))
}

func paths(reqs []*crawler.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.URL[len("http://x"):])
	}
	return out
}
