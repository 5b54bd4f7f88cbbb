package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// Dataset is an append-only item log.
type Dataset struct {
	base
	items []json.RawMessage
}

var _ storage.DatasetClient = (*Dataset)(nil)

// NewDataset restores a dataset from meta and items.
func NewDataset(meta storage.Metadata, items []json.RawMessage, cfg StoreConfig) *Dataset {
	meta.Kind = storage.KindDataset
	meta.ItemCount = len(items)
	return &Dataset{base: newBase(meta, cfg), items: items}
}

// Metadata returns a copy of the dataset metadata.
func (d *Dataset) Metadata(_ context.Context) (storage.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return storage.Metadata{}, err
	}
	return d.meta, nil
}

// PushItems appends JSON items in order.
func (d *Dataset) PushItems(_ context.Context, items ...json.RawMessage) error {
	for i, item := range items {
		if !json.Valid(item) {
			return fmt.Errorf("%w: item %d is not valid JSON", storage.ErrValidation, i)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	for _, item := range items {
		cp := slices.Clone(item)
		d.items = append(d.items, cp)
		if err := d.cfg.Journal.WriteEntry(ItemEntryName(len(d.items)), cp); err != nil {
			return fmt.Errorf("write dataset item: %w", err)
		}
	}
	d.meta.ItemCount = len(d.items)
	d.touchLocked(true)
	return d.persistMetaLocked()
}

// ListItems returns up to limit items starting at offset. A limit <= 0 means all.
func (d *Dataset) ListItems(_ context.Context, offset, limit int) (storage.ItemPage, error) {
	if offset < 0 {
		return storage.ItemPage{}, fmt.Errorf("%w: negative offset", storage.ErrValidation)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return storage.ItemPage{}, err
	}
	total := len(d.items)
	start := min(offset, total)
	end := total
	if limit > 0 {
		end = min(start+limit, total)
	}
	out := make([]json.RawMessage, 0, end-start)
	for _, item := range d.items[start:end] {
		out = append(out, slices.Clone(item))
	}
	d.touchLocked(false)
	return storage.ItemPage{Items: out, Offset: offset, Limit: limit, Total: total}, nil
}

// Purge removes all items but keeps the dataset identity.
func (d *Dataset) Purge(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	if err := d.cfg.Journal.Clear(); err != nil {
		return fmt.Errorf("clear dataset: %w", err)
	}
	d.items = nil
	d.meta.ItemCount = 0
	d.touchLocked(true)
	return d.persistMetaLocked()
}

// Drop deletes the dataset. Dropping twice is a no-op.
func (d *Dataset) Drop(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = nil
	return d.dropLocked()
}
