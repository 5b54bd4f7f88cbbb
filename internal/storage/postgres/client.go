// Package postgres implements the storage contract on Postgres via pgx. Queue
// claims use FOR UPDATE SKIP LOCKED, so several processes may share one queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// AutoMigrate runs EnsureSchema on connect.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// Pool is the subset of pgxpool.Pool the backend uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Client opens stores backed by Postgres tables.
type Client struct {
	pool   Pool
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger

	mu     sync.Mutex
	stores map[string]any
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

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c, err := NewWithPool(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := c.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewWithPool constructs a client from an existing pool.
func NewWithPool(pool Pool, opts ...Option) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	c := &Client{
		pool:   pool,
		clock:  system.New(),
		ids:    uuid.New(),
		logger: zap.NewNop(),
		stores: make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EnsureSchema creates tables and sequences if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// OpenDataset opens or creates a dataset row.
func (c *Client) OpenDataset(ctx context.Context, opts storage.OpenOptions) (storage.DatasetClient, error) {
	s, err := open(ctx, c, opts, storage.KindDataset, func(b *base) *Dataset { return &Dataset{base: b} })
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenKeyValueStore opens or creates a key/value store row.
func (c *Client) OpenKeyValueStore(ctx context.Context, opts storage.OpenOptions) (storage.KeyValueClient, error) {
	s, err := open(ctx, c, opts, storage.KindKeyValueStore, func(b *base) *KeyValueStore { return &KeyValueStore{base: b} })
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenRequestQueue opens or creates a request queue row.
func (c *Client) OpenRequestQueue(ctx context.Context, opts storage.OpenOptions) (storage.RequestQueueClient, error) {
	s, err := open(ctx, c, opts, storage.KindRequestQueue, func(b *base) *RequestQueue { return &RequestQueue{base: b} })
	if err != nil {
		return nil, err
	}
	return s, nil
}

const openStorageSQL = `
INSERT INTO crawl_storages (id, kind, lookup_key, name, alias, created_at, modified_at, accessed_at)
VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
ON CONFLICT (kind, lookup_key) DO UPDATE SET accessed_at = EXCLUDED.accessed_at
RETURNING id, created_at`

func open[T any](
	ctx context.Context,
	c *Client,
	opts storage.OpenOptions,
	kind storage.Kind,
	build func(*base) *T,
) (*T, error) {
	resolved, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	cacheKey := string(kind) + "/" + resolved.Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[cacheKey]; ok {
		if typed, ok := s.(*T); ok {
			return typed, nil
		}
	}

	id, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate storage id: %w", err)
	}
	now := c.clock.Now()
	var createdAt time.Time
	err = c.pool.QueryRow(ctx, openStorageSQL,
		id, string(kind), resolved.Key(), resolved.Name, resolved.Alias, now,
	).Scan(&id, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", kind, resolved.Key(), err)
	}
	c.logger.Debug("opened storage",
		zap.String("kind", string(kind)),
		zap.String("key", resolved.Key()),
		zap.String("id", id),
	)

	var store *T
	store = build(&base{
		c:    c,
		id:   id,
		kind: kind,
		opts: resolved,
		onDrop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if current, ok := c.stores[cacheKey].(*T); ok && current == store {
				delete(c.stores, cacheKey)
			}
		},
	})
	c.stores[cacheKey] = store
	return store, nil
}

// base carries identity and lifecycle shared by every store kind.
type base struct {
	c      *Client
	id     string
	kind   storage.Kind
	opts   storage.OpenOptions
	onDrop func()

	mu      sync.Mutex
	dropped bool
}

func (b *base) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return fmt.Errorf("%s %s: %w", b.kind, b.id, storage.ErrStorageDropped)
	}
	return nil
}

// touch bumps timestamps after a mutation.
func (b *base) touch(ctx context.Context) error {
	now := b.c.clock.Now()
	if _, err := b.c.pool.Exec(ctx,
		`UPDATE crawl_storages SET modified_at = $2, accessed_at = $2 WHERE id = $1`,
		b.id, now,
	); err != nil {
		return fmt.Errorf("touch %s %s: %w", b.kind, b.id, err)
	}
	return nil
}

func (b *base) metadata(ctx context.Context) (storage.Metadata, error) {
	if err := b.check(); err != nil {
		return storage.Metadata{}, err
	}
	meta := storage.Metadata{ID: b.id, Kind: b.kind, Name: b.opts.Name, Alias: b.opts.Alias}
	err := b.c.pool.QueryRow(ctx,
		`SELECT created_at, modified_at, accessed_at FROM crawl_storages WHERE id = $1`,
		b.id,
	).Scan(&meta.CreatedAt, &meta.ModifiedAt, &meta.AccessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Metadata{}, fmt.Errorf("%s %s: %w", b.kind, b.id, storage.ErrStorageDropped)
	}
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("read %s metadata: %w", b.kind, err)
	}
	return meta, nil
}

func (b *base) purge(ctx context.Context, table string) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.c.pool.Exec(ctx, "DELETE FROM "+table+" WHERE storage_id = $1", b.id); err != nil {
		return fmt.Errorf("purge %s %s: %w", b.kind, b.id, err)
	}
	return b.touch(ctx)
}

func (b *base) drop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return nil
	}
	if _, err := b.c.pool.Exec(ctx, `DELETE FROM crawl_storages WHERE id = $1`, b.id); err != nil {
		return fmt.Errorf("drop %s %s: %w", b.kind, b.id, err)
	}
	b.dropped = true
	b.onDrop()
	return nil
}

func (b *base) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := b.c.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE storage_id = $1", b.id,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
