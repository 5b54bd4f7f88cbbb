package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ManagerConfig controls store lifecycle policy.
type ManagerConfig struct {
	// PurgeOnStart clears alias stores the first time this process opens them.
	PurgeOnStart bool
}

// Manager opens and caches stores on a Client and applies purge-on-start.
// One Manager represents one process run; construct it explicitly and pass it
// to the components that need storage.
type Manager struct {
	client Client
	cfg    ManagerConfig
	logger *zap.Logger

	mu       sync.Mutex
	datasets map[string]DatasetClient
	kvs      map[string]KeyValueClient
	queues   map[string]RequestQueueClient
	purged   map[string]struct{}
}

// NewManager builds a Manager over client.
func NewManager(client Client, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		datasets: make(map[string]DatasetClient),
		kvs:      make(map[string]KeyValueClient),
		queues:   make(map[string]RequestQueueClient),
		purged:   make(map[string]struct{}),
	}
}

// Client exposes the underlying backend.
func (m *Manager) Client() Client { return m.client }

// OpenDataset opens (creating if absent) a dataset.
func (m *Manager) OpenDataset(ctx context.Context, opts OpenOptions) (DatasetClient, error) {
	return openCached(ctx, m, KindDataset, opts, m.datasets, m.client.OpenDataset)
}

// OpenKeyValueStore opens (creating if absent) a key/value store.
func (m *Manager) OpenKeyValueStore(ctx context.Context, opts OpenOptions) (KeyValueClient, error) {
	return openCached(ctx, m, KindKeyValueStore, opts, m.kvs, m.client.OpenKeyValueStore)
}

// OpenRequestQueue opens (creating if absent) a request queue.
func (m *Manager) OpenRequestQueue(ctx context.Context, opts OpenOptions) (RequestQueueClient, error) {
	return openCached(ctx, m, KindRequestQueue, opts, m.queues, m.client.OpenRequestQueue)
}

// Close releases the backend.
func (m *Manager) Close() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

func openCached[T Lifecycle](
	ctx context.Context,
	m *Manager,
	kind Kind,
	opts OpenOptions,
	cache map[string]T,
	open func(context.Context, OpenOptions) (T, error),
) (T, error) {
	var zero T
	resolved, err := opts.Resolve()
	if err != nil {
		return zero, err
	}
	key := string(kind) + "/" + resolved.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := cache[key]; ok {
		if _, err := store.Metadata(ctx); !errors.Is(err, ErrStorageDropped) {
			return store, nil
		}
		delete(cache, key)
	}
	store, err := open(ctx, resolved)
	if err != nil {
		return zero, fmt.Errorf("open %s %s: %w", kind, resolved.Key(), err)
	}
	if _, done := m.purged[key]; !done && !resolved.Named() && m.cfg.PurgeOnStart {
		if err := store.Purge(ctx); err != nil {
			return zero, fmt.Errorf("purge %s %s on start: %w", kind, resolved.Key(), err)
		}
		m.logger.Debug("purged alias storage on start",
			zap.String("kind", string(kind)),
			zap.String("alias", resolved.Alias),
		)
	}
	m.purged[key] = struct{}{}
	cache[key] = store
	return store, nil
}
