package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	blobmemory "github.com/JakeFAU/crawl-orchestrator/internal/blob/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

type product struct {
	Title string   `json:"title"`
	Price float64  `json:"price"`
	Tags  []string `json:"tags,omitempty"`
}

func newDataset(t *testing.T) *Dataset {
	t.Helper()
	m := storage.NewManager(memory.NewClient(), storage.ManagerConfig{PurgeOnStart: true}, nil)
	ds, err := Open(context.Background(), m, storage.OpenOptions{Name: "products"}, nil)
	require.NoError(t, err)
	return ds
}

func TestPushEncodesValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := newDataset(t)
	require.NoError(t, ds.Push(ctx,
		product{Title: "a", Price: 1.5},
		json.RawMessage(`{"title":"b","price":2}`),
		[]byte(`{"title":"c","price":3}`),
	))
	err := ds.Push(ctx, []byte(`{broken`))
	require.ErrorIs(t, err, crawler.ErrValidation)

	var titles []string
	for item, err := range ds.Iterate(ctx, 2) {
		require.NoError(t, err)
		var p product
		require.NoError(t, json.Unmarshal(item, &p))
		titles = append(titles, p.Title)
	}
	require.Empty(t, cmp.Diff([]string{"a", "b", "c"}, titles))

	meta, err := ds.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, meta.ItemCount)
}

func TestIterateIsRestartableAndStoppable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := newDataset(t)
	for i := range 5 {
		require.NoError(t, ds.Push(ctx, map[string]int{"n": i}))
	}
	seq := ds.Iterate(ctx, 2)
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	require.Equal(t, 5, count())
	require.Equal(t, 5, count())

	seen := 0
	for range seq {
		seen++
		if seen == 3 {
			break
		}
	}
	require.Equal(t, 3, seen)
}

func TestIterateHonorsCancellation(t *testing.T) {
	t.Parallel()

	ds := newDataset(t)
	require.NoError(t, ds.Push(context.Background(), map[string]int{"n": 1}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range ds.Iterate(ctx, 1) {
		require.True(t, errors.Is(err, context.Canceled))
	}
}

func TestExportFormats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := newDataset(t)
	require.NoError(t, ds.Push(ctx,
		product{Title: "widget, large", Price: 10, Tags: []string{"x"}},
		map[string]any{"title": "gadget", "sku": "G-1"},
	))

	var jsonOut bytes.Buffer
	require.NoError(t, ds.Export(ctx, &jsonOut, FormatJSON))
	require.JSONEq(t,
		`[{"title":"widget, large","price":10,"tags":["x"]},{"sku":"G-1","title":"gadget"}]`,
		jsonOut.String())

	var jsonl bytes.Buffer
	require.NoError(t, ds.Export(ctx, &jsonl, FormatJSONL))
	lines := strings.Split(strings.TrimSpace(jsonl.String()), "\n")
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"sku":"G-1","title":"gadget"}`, lines[1])

	var csvOut bytes.Buffer
	require.NoError(t, ds.Export(ctx, &csvOut, FormatCSV))
	require.Equal(t,
		"price,sku,tags,title\n10,,\"[\"\"x\"\"]\",\"widget, large\"\n,G-1,,gadget\n",
		csvOut.String())

	require.ErrorIs(t, ds.Export(ctx, &csvOut, Format("xml")), crawler.ErrValidation)
}

func TestExportEmptyJSON(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, newDataset(t).Export(context.Background(), &out, FormatJSON))
	require.Equal(t, "[]\n", out.String())
}

func TestCSVRejectsNonObjects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := newDataset(t)
	require.NoError(t, ds.Push(ctx, []int{1, 2}))
	var out bytes.Buffer
	require.ErrorIs(t, ds.Export(ctx, &out, FormatCSV), crawler.ErrValidation)
}

func TestExportToBlob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := newDataset(t)
	require.NoError(t, ds.Push(ctx, map[string]int{"n": 1}, map[string]int{"n": 2}))

	blob := blobmemory.New()
	uri, err := ds.ExportTo(ctx, blob, "exports/products"+FormatJSONL.Extension(), FormatJSONL)
	require.NoError(t, err)
	require.Equal(t, "memory://exports/products.jsonl", uri)

	data, contentType, ok := blob.Object("exports/products.jsonl")
	require.True(t, ok)
	require.Equal(t, "application/x-ndjson", contentType)
	require.Equal(t, "{\"n\":1}\n{\"n\":2}\n", string(data))

	_, err = ds.ExportTo(ctx, blob, "bad", Format("xml"))
	require.ErrorIs(t, err, crawler.ErrValidation)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat(" JSONL ")
	require.NoError(t, err)
	require.Equal(t, FormatJSONL, f)
	require.Equal(t, "text/csv", FormatCSV.ContentType())
	_, err = ParseFormat("parquet")
	require.Error(t, err)
}
