package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/storagetest"
)

func TestMemoryConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, storagetest.Factory{
		New: func(*testing.T) storage.Client { return NewClient() },
		// The memory backend lives as long as its Client, so a restart reuses it.
		Restart: func(_ *testing.T, prev storage.Client) storage.Client { return prev },
	})
}

func TestExpiredLockIsRefetchable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := system.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	q, err := NewClient(WithClock(clock)).OpenRequestQueue(ctx, storage.OpenOptions{Name: "locks"})
	require.NoError(t, err)
	_, err = q.AddRequest(ctx, crawler.MustRequest("http://x/a"), false)
	require.NoError(t, err)

	first, err := q.FetchAndLock(ctx, "crashed", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	none, err := q.FetchAndLock(ctx, "survivor", 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, none)

	clock.Advance(2 * time.Minute)
	again, err := q.FetchAndLock(ctx, "survivor", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, first[0].ID, again[0].ID)

	meta, err := q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.InProgressCount)
}

type recordingJournal struct {
	nopJournal
	entries map[string][]byte
	cleared int
	removed int
}

func (j *recordingJournal) WriteEntry(name string, data []byte) error {
	j.entries[name] = data
	return nil
}

func (j *recordingJournal) Clear() error {
	j.cleared++
	clear(j.entries)
	return nil
}

func (j *recordingJournal) Remove() error {
	j.removed++
	return nil
}

func TestJournalSeesWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := &recordingJournal{entries: map[string][]byte{}}
	drops := 0
	ds := NewDataset(storage.Metadata{ID: "d1", Name: "d"}, nil, StoreConfig{
		Journal: j,
		OnDrop:  func() { drops++ },
	})
	require.NoError(t, ds.PushItems(ctx, []byte(`{"a":1}`), []byte(`{"a":2}`)))
	require.Contains(t, j.entries, ItemEntryName(1))
	require.Contains(t, j.entries, ItemEntryName(2))

	require.NoError(t, ds.Purge(ctx))
	require.Equal(t, 1, j.cleared)

	require.NoError(t, ds.Drop(ctx))
	require.NoError(t, ds.Drop(ctx))
	require.Equal(t, 1, j.removed)
	require.Equal(t, 1, drops)
}
