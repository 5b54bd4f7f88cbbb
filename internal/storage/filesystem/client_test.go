package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/storagetest"
)

func TestFilesystemConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, storagetest.Factory{
		New: func(t *testing.T) storage.Client {
			c, err := New(Config{Dir: t.TempDir()})
			require.NoError(t, err)
			return c
		},
		Restart: func(t *testing.T, prev storage.Client) storage.Client {
			c, err := New(Config{Dir: prev.(*Client).Root()})
			require.NoError(t, err)
			return c
		},
	})
}

func TestNewRejectsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := New(Config{Dir: path})
	require.Error(t, err)
}

func TestResolveDirFallsBackToEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvStorageDir, dir)

	require.Equal(t, "explicit", ResolveDir("explicit"))
	require.Equal(t, dir, ResolveDir(""))
}

func TestLayoutAndReload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	c, err := New(Config{Dir: root})
	require.NoError(t, err)

	ds, err := c.OpenDataset(ctx, storage.OpenOptions{Name: "items"})
	require.NoError(t, err)
	require.NoError(t, ds.PushItems(ctx, []byte(`{"n":1}`), []byte(`{"n":2}`)))

	kv, err := c.OpenKeyValueStore(ctx, storage.OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, kv.SetValue(ctx, "STATE", []byte(`{"ok":true}`), "application/json"))

	q, err := c.OpenRequestQueue(ctx, storage.OpenOptions{Name: "work"})
	require.NoError(t, err)
	_, err = q.AddRequest(ctx, crawler.MustRequest("http://example.com/a"), false)
	require.NoError(t, err)
	locked, err := q.FetchAndLock(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, locked, 1)

	require.FileExists(t, filepath.Join(root, "datasets", "items", metadataFile))
	require.FileExists(t, filepath.Join(root, "datasets", "items", "000000001.json"))
	require.FileExists(t, filepath.Join(root, "key_value_stores", "__default", "STATE"))
	require.FileExists(t, filepath.Join(root, "request_queues", "work", locked[0].ID+".json"))

	reopened, err := New(Config{Dir: root})
	require.NoError(t, err)

	ds2, err := reopened.OpenDataset(ctx, storage.OpenOptions{Name: "items"})
	require.NoError(t, err)
	page, err := ds2.ListItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.JSONEq(t, `{"n":2}`, string(page.Items[1]))

	kv2, err := reopened.OpenKeyValueStore(ctx, storage.OpenOptions{})
	require.NoError(t, err)
	rec, ok, err := kv2.GetValue(ctx, "STATE")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "application/json", rec.ContentType)

	// The lock expired immediately, so the reloaded queue hands the request out again.
	q2, err := reopened.OpenRequestQueue(ctx, storage.OpenOptions{Name: "work"})
	require.NoError(t, err)
	again, err := q2.FetchAndLock(ctx, "w2", 1, 0)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, locked[0].ID, again[0].ID)
}

func TestJournalRejectsTraversal(t *testing.T) {
	t.Parallel()

	j := dirJournal{dir: t.TempDir()}
	require.Error(t, j.WriteEntry("../escape", []byte("x")))
	require.Error(t, j.WriteEntry("", []byte("x")))
	require.NoError(t, j.DeleteEntry("missing.json"))
}
