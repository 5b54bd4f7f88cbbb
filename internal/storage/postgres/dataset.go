package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// Dataset stores items in crawl_dataset_items, ordered by item_id.
type Dataset struct {
	*base
}

var _ storage.DatasetClient = (*Dataset)(nil)

// Metadata returns the dataset metadata with its item count.
func (d *Dataset) Metadata(ctx context.Context) (storage.Metadata, error) {
	meta, err := d.metadata(ctx)
	if err != nil {
		return storage.Metadata{}, err
	}
	if meta.ItemCount, err = d.count(ctx, tableDatasetItems); err != nil {
		return storage.Metadata{}, err
	}
	return meta, nil
}

// PushItems appends items in one statement so they stay contiguous.
func (d *Dataset) PushItems(ctx context.Context, items ...json.RawMessage) error {
	if err := d.check(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	docs := make([]string, 0, len(items))
	for i, item := range items {
		if !json.Valid(item) {
			return fmt.Errorf("%w: item %d is not valid JSON", storage.ErrValidation, i)
		}
		docs = append(docs, string(item))
	}
	if _, err := d.c.pool.Exec(ctx,
		`INSERT INTO crawl_dataset_items (storage_id, data)
SELECT $1, doc::jsonb FROM unnest($2::text[]) WITH ORDINALITY AS t(doc, ord) ORDER BY ord`,
		d.id, docs,
	); err != nil {
		return fmt.Errorf("push dataset items: %w", err)
	}
	return d.touch(ctx)
}

// ListItems returns a page of items. A limit <= 0 returns everything after offset.
func (d *Dataset) ListItems(ctx context.Context, offset, limit int) (storage.ItemPage, error) {
	if err := d.check(); err != nil {
		return storage.ItemPage{}, err
	}
	offset = max(offset, 0)
	var lim any
	if limit > 0 {
		lim = limit
	}
	total, err := d.count(ctx, tableDatasetItems)
	if err != nil {
		return storage.ItemPage{}, err
	}
	rows, err := d.c.pool.Query(ctx,
		`SELECT data FROM crawl_dataset_items WHERE storage_id = $1 ORDER BY item_id OFFSET $2 LIMIT $3`,
		d.id, offset, lim,
	)
	if err != nil {
		return storage.ItemPage{}, fmt.Errorf("list dataset items: %w", err)
	}
	defer rows.Close()
	page := storage.ItemPage{Offset: offset, Limit: limit, Total: total}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return storage.ItemPage{}, fmt.Errorf("scan dataset item: %w", err)
		}
		page.Items = append(page.Items, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return storage.ItemPage{}, fmt.Errorf("iterate dataset items: %w", err)
	}
	return page, nil
}

// Purge deletes every item.
func (d *Dataset) Purge(ctx context.Context) error {
	return d.purge(ctx, tableDatasetItems)
}

// Drop deletes the dataset row; items cascade.
func (d *Dataset) Drop(ctx context.Context) error {
	return d.drop(ctx)
}
