package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// Client is an in-process storage backend. Stores live as long as the Client.
type Client struct {
	clock crawler.Clock
	ids   crawler.IDGenerator

	mu       sync.Mutex
	datasets map[string]*Dataset
	kvs      map[string]*KeyValueStore
	queues   map[string]*RequestQueue
}

var _ storage.Client = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the timestamp source.
func WithClock(clock crawler.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithIDGenerator overrides storage ID generation.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(c *Client) { c.ids = ids }
}

// NewClient creates an empty memory backend.
func NewClient(opts ...Option) *Client {
	c := &Client{
		clock:    system.New(),
		ids:      uuid.New(),
		datasets: make(map[string]*Dataset),
		kvs:      make(map[string]*KeyValueStore),
		queues:   make(map[string]*RequestQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenDataset opens or creates a dataset.
func (c *Client) OpenDataset(_ context.Context, opts storage.OpenOptions) (storage.DatasetClient, error) {
	store, err := openOrCreate(c, opts, storage.KindDataset, c.datasets,
		func(meta storage.Metadata, cfg StoreConfig) *Dataset {
			return NewDataset(meta, nil, cfg)
		})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenKeyValueStore opens or creates a key/value store.
func (c *Client) OpenKeyValueStore(_ context.Context, opts storage.OpenOptions) (storage.KeyValueClient, error) {
	store, err := openOrCreate(c, opts, storage.KindKeyValueStore, c.kvs,
		func(meta storage.Metadata, cfg StoreConfig) *KeyValueStore {
			return NewKeyValueStore(meta, nil, cfg)
		})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenRequestQueue opens or creates a request queue.
func (c *Client) OpenRequestQueue(_ context.Context, opts storage.OpenOptions) (storage.RequestQueueClient, error) {
	store, err := openOrCreate(c, opts, storage.KindRequestQueue, c.queues,
		func(meta storage.Metadata, cfg StoreConfig) *RequestQueue {
			return NewRequestQueue(meta, nil, cfg)
		})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Close is a no-op for the memory backend.
func (c *Client) Close() error { return nil }

func openOrCreate[T any](
	c *Client,
	opts storage.OpenOptions,
	kind storage.Kind,
	stores map[string]*T,
	build func(storage.Metadata, StoreConfig) *T,
) (*T, error) {
	resolved, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	key := resolved.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if store, ok := stores[key]; ok {
		return store, nil
	}
	id, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate storage id: %w", err)
	}
	now := c.clock.Now()
	meta := storage.Metadata{
		ID:         id,
		Name:       resolved.Name,
		Alias:      resolved.Alias,
		Kind:       kind,
		CreatedAt:  now,
		ModifiedAt: now,
		AccessedAt: now,
	}
	var store *T
	store = build(meta, StoreConfig{
		Clock: c.clock,
		OnDrop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if stores[key] == store {
				delete(stores, key)
			}
		},
	})
	stores[key] = store
	return store, nil
}
