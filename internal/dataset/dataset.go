// Package dataset is the append-only result log used by handlers. It wraps a
// storage.DatasetClient with typed pushes, paged iteration, and exports.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// DefaultPageSize bounds each backend read during iteration.
const DefaultPageSize = 1000

// Dataset appends and reads items.
type Dataset struct {
	client storage.DatasetClient
	logger *zap.Logger
}

// New wraps client.
func New(client storage.DatasetClient, logger *zap.Logger) *Dataset {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dataset{client: client, logger: logger}
}

// Open opens a dataset through the manager.
func Open(ctx context.Context, m *storage.Manager, opts storage.OpenOptions, logger *zap.Logger) (*Dataset, error) {
	client, err := m.OpenDataset(ctx, opts)
	if err != nil {
		return nil, err
	}
	return New(client, logger), nil
}

// Push encodes each item as JSON and appends them in order.
// json.RawMessage and []byte values are stored as-is after validation.
func (d *Dataset) Push(ctx context.Context, items ...any) error {
	if len(items) == 0 {
		return nil
	}
	raws := make([]json.RawMessage, 0, len(items))
	for i, item := range items {
		raw, err := encodeItem(item)
		if err != nil {
			return fmt.Errorf("%w: item %d: %v", crawler.ErrValidation, i, err)
		}
		raws = append(raws, raw)
	}
	if err := d.client.PushItems(ctx, raws...); err != nil {
		return fmt.Errorf("push items: %w", err)
	}
	return nil
}

func encodeItem(item any) (json.RawMessage, error) {
	var raw []byte
	switch v := item.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// Iterate yields every item in insertion order, reading pageSize items per
// backend call. Each call to the returned sequence starts from the beginning.
func (d *Dataset) Iterate(ctx context.Context, pageSize int) iter.Seq2[json.RawMessage, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(json.RawMessage, error) bool) {
		offset := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := d.client.ListItems(ctx, offset, pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("list items at %d: %w", offset, err))
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			offset += len(page.Items)
			if len(page.Items) < pageSize || offset >= page.Total {
				return
			}
		}
	}
}

// Export writes every item to w in the given format.
func (d *Dataset) Export(ctx context.Context, w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		return d.exportJSON(ctx, w)
	case FormatJSONL:
		return d.exportJSONL(ctx, w)
	case FormatCSV:
		return d.exportCSV(ctx, w)
	default:
		return fmt.Errorf("%w: unsupported export format %q", crawler.ErrValidation, format)
	}
}

// ExportTo streams an export into a blob store and returns the object URI.
func (d *Dataset) ExportTo(ctx context.Context, blob crawler.BlobStore, path string, format Format) (string, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return "", err
	}
	pr, pw := io.Pipe()
	var uri string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.Export(gctx, pw, format)
		_ = pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		var err error
		uri, err = blob.PutObject(gctx, path, format.ContentType(), pr)
		_ = pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("export dataset to %s: %w", path, err)
	}
	d.logger.Info("dataset exported", zap.String("uri", uri), zap.String("format", string(format)))
	return uri, nil
}

// List returns one page of items starting at offset.
func (d *Dataset) List(ctx context.Context, offset, limit int) (storage.ItemPage, error) {
	page, err := d.client.ListItems(ctx, offset, limit)
	if err != nil {
		return storage.ItemPage{}, fmt.Errorf("list items at %d: %w", offset, err)
	}
	return page, nil
}

// Metadata returns backend metadata.
func (d *Dataset) Metadata(ctx context.Context) (storage.Metadata, error) {
	meta, err := d.client.Metadata(ctx)
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("dataset metadata: %w", err)
	}
	return meta, nil
}

// Purge removes every item.
func (d *Dataset) Purge(ctx context.Context) error {
	return d.client.Purge(ctx)
}

// Drop deletes the dataset.
func (d *Dataset) Drop(ctx context.Context) error {
	return d.client.Drop(ctx)
}
