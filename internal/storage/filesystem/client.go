// Package filesystem implements the storage contract on local disk. Each
// process owns one root directory with a subtree per storage kind; every store
// directory holds a __metadata__.json record plus one file per item, record,
// or queued request.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

// EnvStorageDir overrides the root directory when Config.Dir is empty.
const EnvStorageDir = "CRAWLER_STORAGE_DIR"

const defaultDir = "./storage"

var itemFile = regexp.MustCompile(`^[0-9]{9}\.json$`)

// Config captures the parameters for the filesystem backend.
type Config struct {
	// Dir is the root directory. Falls back to $CRAWLER_STORAGE_DIR, then ./storage.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Client stores datasets, key/value stores, and request queues under Dir.
// Atomicity holds within one process; the directory must not be shared by
// concurrently running processes.
type Client struct {
	root   string
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger

	mu       sync.Mutex
	datasets map[string]*memory.Dataset
	kvs      map[string]*memory.KeyValueStore
	queues   map[string]*memory.RequestQueue
}

var _ storage.Client = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the timestamp source.
func WithClock(clock crawler.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// ResolveDir applies the directory fallbacks.
func ResolveDir(configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	if env := strings.TrimSpace(os.Getenv(EnvStorageDir)); env != "" {
		return env
	}
	return defaultDir
}

// New creates the root directory if needed and verifies it is writable.
func New(cfg Config, opts ...Option) (*Client, error) {
	root := ResolveDir(cfg.Dir)
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat storage directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("storage path %q is not a directory", root)
	}
	probe := filepath.Join(root, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("storage directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	c := &Client{
		root:     root,
		clock:    system.New(),
		ids:      uuid.New(),
		logger:   zap.NewNop(),
		datasets: make(map[string]*memory.Dataset),
		kvs:      make(map[string]*memory.KeyValueStore),
		queues:   make(map[string]*memory.RequestQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root returns the resolved root directory.
func (c *Client) Root() string { return c.root }

// OpenDataset opens or creates a dataset directory.
func (c *Client) OpenDataset(_ context.Context, opts storage.OpenOptions) (storage.DatasetClient, error) {
	store, err := open(c, opts, storage.KindDataset, c.datasets, loadDataset)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenKeyValueStore opens or creates a key/value store directory.
func (c *Client) OpenKeyValueStore(_ context.Context, opts storage.OpenOptions) (storage.KeyValueClient, error) {
	store, err := open(c, opts, storage.KindKeyValueStore, c.kvs, loadKeyValueStore)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenRequestQueue opens or creates a request queue directory.
func (c *Client) OpenRequestQueue(_ context.Context, opts storage.OpenOptions) (storage.RequestQueueClient, error) {
	store, err := open(c, opts, storage.KindRequestQueue, c.queues, loadRequestQueue)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Close is a no-op; every mutation is already on disk.
func (c *Client) Close() error { return nil }

// storeDir names a store directory. Names cannot start with "_", so alias
// directories never collide with named ones.
func (c *Client) storeDir(kind storage.Kind, opts storage.OpenOptions) string {
	if opts.Named() {
		return filepath.Join(c.root, string(kind), opts.Name)
	}
	return filepath.Join(c.root, string(kind), "__"+opts.Alias)
}

type loader[T any] func(dir string, meta storage.Metadata, cfg memory.StoreConfig) (*T, error)

func open[T any](
	c *Client,
	opts storage.OpenOptions,
	kind storage.Kind,
	stores map[string]*T,
	load loader[T],
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

	dir := c.storeDir(kind, resolved)
	journal := dirJournal{dir: dir}
	meta, found, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	if !found {
		id, err := c.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate storage id: %w", err)
		}
		now := c.clock.Now()
		meta = storage.Metadata{
			ID:         id,
			Name:       resolved.Name,
			Alias:      resolved.Alias,
			Kind:       kind,
			CreatedAt:  now,
			ModifiedAt: now,
			AccessedAt: now,
		}
		if err := journal.WriteMetadata(meta); err != nil {
			return nil, err
		}
		c.logger.Debug("created storage", zap.String("kind", string(kind)), zap.String("dir", dir))
	}

	var store *T
	store, err = load(dir, meta, memory.StoreConfig{
		Clock:   c.clock,
		Journal: journal,
		OnDrop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if stores[key] == store {
				delete(stores, key)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load %s from %s: %w", kind, dir, err)
	}
	stores[key] = store
	return store, nil
}

func readMetadata(dir string) (storage.Metadata, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return storage.Metadata{}, false, nil
	}
	if err != nil {
		return storage.Metadata{}, false, fmt.Errorf("read metadata: %w", err)
	}
	var meta storage.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return storage.Metadata{}, false, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, true, nil
}

// dataFiles lists regular, non-metadata files in dir in lexical order.
func dataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == metadataFile || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func loadDataset(dir string, meta storage.Metadata, cfg memory.StoreConfig) (*memory.Dataset, error) {
	names, err := dataFiles(dir)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	for _, name := range names {
		if !itemFile.MatchString(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read item %s: %w", name, err)
		}
		items = append(items, data)
	}
	return memory.NewDataset(meta, items, cfg), nil
}

func loadKeyValueStore(dir string, meta storage.Metadata, cfg memory.StoreConfig) (*memory.KeyValueStore, error) {
	names, err := dataFiles(dir)
	if err != nil {
		return nil, err
	}
	var records []storage.Record
	for _, name := range names {
		if strings.Contains(name, "__meta") {
			continue
		}
		value, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", name, err)
		}
		rec := storage.Record{Key: name, Value: value, ContentType: "application/octet-stream"}
		if side, err := os.ReadFile(filepath.Join(dir, memory.RecordMetaEntryName(name))); err == nil {
			var rm memory.RecordMeta
			if json.Unmarshal(side, &rm) == nil && rm.ContentType != "" {
				rec.ContentType = rm.ContentType
			}
		}
		records = append(records, rec)
	}
	return memory.NewKeyValueStore(meta, records, cfg), nil
}

func loadRequestQueue(dir string, meta storage.Metadata, cfg memory.StoreConfig) (*memory.RequestQueue, error) {
	names, err := dataFiles(dir)
	if err != nil {
		return nil, err
	}
	var entries []memory.QueueEntry
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read request %s: %w", name, err)
		}
		var e memory.QueueEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode request %s: %w", name, err)
		}
		if e.Request == nil || e.Request.ID == "" {
			continue
		}
		entries = append(entries, e)
	}
	return memory.NewRequestQueue(meta, entries, cfg), nil
}
