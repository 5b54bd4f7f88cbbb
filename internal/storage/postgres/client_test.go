package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/storagetest"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockClient(t *testing.T) (*Client, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	c, err := NewWithPool(mock, WithClock(system.NewManual(testNow)), WithIDGenerator(fixedIDs{id: "new-id"}))
	require.NoError(t, err)
	return c, mock
}

func expectOpen(mock pgxmock.PgxPoolIface, kind storage.Kind, key, name, alias, returnedID string) {
	mock.ExpectQuery("INSERT INTO crawl_storages").
		WithArgs("new-id", string(kind), key, name, alias, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(returnedID, testNow))
}

func expectTouch(mock pgxmock.PgxPoolIface, id string) {
	mock.ExpectExec("UPDATE crawl_storages SET modified_at").
		WithArgs(id, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestEnsureSchemaRunsEveryStatement(t *testing.T) {
	t.Parallel()

	c, mock := newMockClient(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, c.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenReusesExistingRowAndCaches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindDataset, "name:items", "items", "", "existing-id")

	first, err := c.OpenDataset(ctx, storage.OpenOptions{Name: "items"})
	require.NoError(t, err)
	second, err := c.OpenDataset(ctx, storage.OpenOptions{Name: "items"})
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, "existing-id", first.(*Dataset).id)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = c.OpenDataset(ctx, storage.OpenOptions{Name: "bad_name"})
	require.ErrorIs(t, err, storage.ErrValidation)
}

func TestPushItemsSingleStatement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindDataset, "alias:default", "", "default", "ds")
	ds, err := c.OpenDataset(ctx, storage.OpenOptions{})
	require.NoError(t, err)

	require.ErrorIs(t, ds.PushItems(ctx, json.RawMessage(`{broken`)), storage.ErrValidation)

	mock.ExpectExec("INSERT INTO crawl_dataset_items").
		WithArgs("ds", []string{`{"a":1}`, `{"a":2}`}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	expectTouch(mock, "ds")
	require.NoError(t, ds.PushItems(ctx, json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))

	mock.ExpectQuery("SELECT COUNT").WithArgs("ds").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT data FROM crawl_dataset_items").
		WithArgs("ds", 1, nil).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"a":2}`)))
	page, err := ds.ListItems(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	require.JSONEq(t, `{"a":2}`, string(page.Items[0]))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyValueGetMissingAndSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindKeyValueStore, "name:state", "state", "", "kv")
	kv, err := c.OpenKeyValueStore(ctx, storage.OpenOptions{Name: "state"})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value, content_type").WithArgs("kv", "MISSING").WillReturnError(pgx.ErrNoRows)
	_, ok, err := kv.GetValue(ctx, "MISSING")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec("INSERT INTO crawl_kv_records").
		WithArgs("kv", "K", []byte("v"), "application/octet-stream").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectTouch(mock, "kv")
	require.NoError(t, kv.SetValue(ctx, "K", []byte("v"), ""))

	require.ErrorIs(t, kv.SetValue(ctx, "bad/key", nil, ""), storage.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRequestReportsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindRequestQueue, "name:work", "work", "", "rq")
	q, err := c.OpenRequestQueue(ctx, storage.OpenOptions{Name: "work"})
	require.NoError(t, err)

	req := crawler.MustRequest("http://example.com/a")
	mock.ExpectExec("INSERT INTO crawl_queue_requests").
		WithArgs("rq", req.ID, req.UniqueKey, "pending", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectTouch(mock, "rq")
	res, err := q.AddRequest(ctx, req, false)
	require.NoError(t, err)
	require.False(t, res.WasAlreadyPresent)

	mock.ExpectExec("INSERT INTO crawl_queue_requests").
		WithArgs("rq", req.ID, req.UniqueKey, "pending", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id, state FROM crawl_queue_requests").
		WithArgs("rq", req.UniqueKey).
		WillReturnRows(pgxmock.NewRows([]string{"id", "state"}).AddRow(req.ID, "handled"))
	res, err = q.AddRequest(ctx, req, true)
	require.NoError(t, err)
	require.True(t, res.WasAlreadyPresent)
	require.True(t, res.WasAlreadyHandled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchAndLockOrdersReturnedRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindRequestQueue, "name:work", "work", "", "rq")
	q, err := c.OpenRequestQueue(ctx, storage.OpenOptions{Name: "work"})
	require.NoError(t, err)

	doc := func(path string) []byte {
		data, err := json.Marshal(crawler.MustRequest("http://example.com" + path))
		require.NoError(t, err)
		return data
	}
	mock.ExpectQuery("UPDATE crawl_queue_requests SET").
		WithArgs("rq", "w1", testNow.Add(time.Minute), testNow, 3).
		WillReturnRows(pgxmock.NewRows([]string{"request", "forefront", "seq"}).
			AddRow(doc("/late"), false, int64(9)).
			AddRow(doc("/front"), true, int64(12)).
			AddRow(doc("/early"), false, int64(3)))
	expectTouch(mock, "rq")

	got, err := q.FetchAndLock(ctx, "w1", 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "http://example.com/front", got[0].URL)
	require.Equal(t, "http://example.com/early", got[1].URL)
	require.Equal(t, "http://example.com/late", got[2].URL)
	for _, r := range got {
		require.Equal(t, crawler.RequestInProgress, r.State)
	}

	_, err = q.FetchAndLock(ctx, "", 1, time.Minute)
	require.ErrorIs(t, err, storage.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndUpdateMissingRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindRequestQueue, "name:work", "work", "", "rq")
	q, err := c.OpenRequestQueue(ctx, storage.OpenOptions{Name: "work"})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT request, state").WithArgs("rq", "nope").WillReturnError(pgx.ErrNoRows)
	_, err = q.GetRequest(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)

	req := crawler.MustRequest("http://example.com/a")
	req.State = crawler.RequestHandled
	mock.ExpectExec("UPDATE crawl_queue_requests SET").
		WithArgs("rq", req.ID, pgxmock.AnyArg(), "handled", false, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, q.UpdateRequest(ctx, "", req, false), storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueUpdateRequiresLockOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindRequestQueue, "name:work", "work", "", "rq")
	q, err := c.OpenRequestQueue(ctx, storage.OpenOptions{Name: "work"})
	require.NoError(t, err)

	req := crawler.MustRequest("http://example.com/a")
	req.State = crawler.RequestHandled
	mock.ExpectExec("UPDATE crawl_queue_requests SET").
		WithArgs("rq", req.ID, pgxmock.AnyArg(), "handled", false, "worker-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("rq", req.ID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	require.ErrorIs(t, q.UpdateRequest(ctx, "worker-a", req, false), storage.ErrLockLost)

	mock.ExpectExec("UPDATE crawl_queue_requests SET").
		WithArgs("rq", req.ID, pgxmock.AnyArg(), "handled", false, "worker-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("rq", req.ID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorIs(t, q.UpdateRequest(ctx, "worker-a", req, false), storage.ErrNotFound)

	mock.ExpectExec("UPDATE crawl_queue_requests SET").
		WithArgs("rq", req.ID, pgxmock.AnyArg(), "handled", false, "worker-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectTouch(mock, "rq")
	require.NoError(t, q.UpdateRequest(ctx, "worker-a", req, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueMetadataCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindRequestQueue, "name:work", "work", "", "rq")
	q, err := c.OpenRequestQueue(ctx, storage.OpenOptions{Name: "work"})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT created_at, modified_at, accessed_at").WithArgs("rq").
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "modified_at", "accessed_at"}).
			AddRow(testNow, testNow, testNow))
	mock.ExpectQuery("SELECT state, COUNT").WithArgs("rq").
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow("pending", 2).
			AddRow("handled", 5).
			AddRow("failed", 1))
	meta, err := q.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, meta.PendingCount)
	require.Equal(t, 5, meta.HandledCount)
	require.Equal(t, 1, meta.FailedCount)
	require.Equal(t, 8, meta.TotalCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropIsIdempotentAndEvicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mock := newMockClient(t)
	expectOpen(mock, storage.KindKeyValueStore, "name:state", "state", "", "kv")
	kv, err := c.OpenKeyValueStore(ctx, storage.OpenOptions{Name: "state"})
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM crawl_storages").WithArgs("kv").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, kv.Drop(ctx))
	require.NoError(t, kv.Drop(ctx))

	_, err = kv.Metadata(ctx)
	require.ErrorIs(t, err, storage.ErrStorageDropped)

	expectOpen(mock, storage.KindKeyValueStore, "name:state", "state", "", "kv2")
	reopened, err := c.OpenKeyValueStore(ctx, storage.OpenOptions{Name: "state"})
	require.NoError(t, err)
	require.NotSame(t, kv, reopened)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresConformance runs against a real database when
// CRAWLER_TEST_POSTGRES_DSN is set.
func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("CRAWLER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CRAWLER_TEST_POSTGRES_DSN not set")
	}
	connect := func(t *testing.T) *Client {
		t.Helper()
		c, err := New(context.Background(), Config{DSN: dsn, AutoMigrate: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	storagetest.Run(t, storagetest.Factory{
		New: func(t *testing.T) storage.Client {
			c := connect(t)
			_, err := c.pool.Exec(context.Background(), `TRUNCATE crawl_storages CASCADE`)
			require.NoError(t, err)
			return c
		},
		Restart: func(t *testing.T, _ storage.Client) storage.Client {
			return connect(t)
		},
	})
}
