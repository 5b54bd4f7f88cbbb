// Package queue is the crawl frontier. It layers dedup caching, a locked head
// cache, and retry accounting over a storage.RequestQueueClient so several
// workers (or processes) can drain one queue without handing out a request twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// Config tunes retry and caching behavior.
type Config struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	HeadSize       int           `mapstructure:"head_size"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	DedupCacheSize int           `mapstructure:"dedup_cache_size"`
	DedupCacheTTL  time.Duration `mapstructure:"dedup_cache_ttl"`
}

// DefaultConfig returns the standard queue settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		HeadSize:       25,
		LockTTL:        3 * time.Minute,
		DedupCacheSize: 10000,
		DedupCacheTTL:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.HeadSize <= 0 {
		c.HeadSize = d.HeadSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = d.DedupCacheSize
	}
	if c.DedupCacheTTL <= 0 {
		c.DedupCacheTTL = d.DedupCacheTTL
	}
	return c
}

// ReclaimResult tells the caller what happened to a reclaimed request.
type ReclaimResult struct {
	// Failed is true when retries are exhausted and the request is now terminal.
	Failed     bool
	RetryCount int
}

type seenEntry struct {
	id      string
	handled bool
}

// Queue hands out locked requests in forefront-then-FIFO order.
type Queue struct {
	client    storage.RequestQueueClient
	cfg       Config
	clientKey string
	clock     crawler.Clock
	logger    *zap.Logger
	seen      *expirable.LRU[string, seenEntry]

	mu       sync.Mutex
	head     []*crawler.Request
	headAt   time.Time
	inFlight map[string]*crawler.Request
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for head expiry and HandledAt.
func WithClock(clock crawler.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithClientKey fixes the lock owner key instead of generating one.
func WithClientKey(key string) Option {
	return func(q *Queue) { q.clientKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New wraps client. Each Queue holds locks under its own client key.
func New(client storage.RequestQueueClient, cfg Config, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("request queue client is required")
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		client:   client,
		cfg:      cfg,
		clock:    system.New(),
		logger:   zap.NewNop(),
		inFlight: make(map[string]*crawler.Request),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.clientKey == "" {
		key, err := uuid.New().NewID()
		if err != nil {
			return nil, fmt.Errorf("generate client key: %w", err)
		}
		q.clientKey = key
	}
	q.seen = expirable.NewLRU[string, seenEntry](cfg.DedupCacheSize, nil, cfg.DedupCacheTTL)
	q.logger = q.logger.Named("queue").With(zap.String("client_key", q.clientKey))
	return q, nil
}

// Open opens the request queue through the manager and wraps it.
func Open(ctx context.Context, m *storage.Manager, opts storage.OpenOptions, cfg Config, qopts ...Option) (*Queue, error) {
	client, err := m.OpenRequestQueue(ctx, opts)
	if err != nil {
		return nil, err
	}
	return New(client, cfg, qopts...)
}

// ClientKey identifies this queue's locks.
func (q *Queue) ClientKey() string { return q.clientKey }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Add enqueues req unless a request with the same unique key exists.
// A forefront add drops the local head so the new request is served next.
func (q *Queue) Add(ctx context.Context, req *crawler.Request, forefront bool) (storage.AddResult, error) {
	if req == nil || req.UniqueKey == "" {
		return storage.AddResult{}, fmt.Errorf("%w: request with unique key is required", crawler.ErrValidation)
	}
	if hit, ok := q.seen.Get(req.UniqueKey); ok {
		return storage.AddResult{
			RequestID:         hit.id,
			UniqueKey:         req.UniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: hit.handled,
		}, nil
	}
	res, err := q.client.AddRequest(ctx, req, forefront)
	if err != nil {
		return storage.AddResult{}, fmt.Errorf("add request %s: %w", req.URL, err)
	}
	q.seen.Add(req.UniqueKey, seenEntry{id: res.RequestID, handled: res.WasAlreadyHandled})
	if res.WasAlreadyPresent {
		return res, nil
	}
	if req.ID == "" {
		req.ID = res.RequestID
	}
	if forefront {
		if err := q.invalidateHead(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// AddBatch adds requests in order and stops at the first error.
func (q *Queue) AddBatch(ctx context.Context, reqs []*crawler.Request, forefront bool) ([]storage.AddResult, error) {
	results := make([]storage.AddResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := q.Add(ctx, req, forefront)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// FetchNext returns the next locked request, or nil when none is available.
func (q *Queue) FetchNext(ctx context.Context) (*crawler.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.head) > 0 && q.clock.Now().Sub(q.headAt) >= q.cfg.LockTTL {
		// Locks on the cached head may have been taken over by another client.
		stale := ids(q.head)
		q.head = nil
		if err := q.client.Unlock(ctx, q.clientKey, stale); err != nil {
			return nil, fmt.Errorf("unlock stale head: %w", err)
		}
	}
	if len(q.head) == 0 {
		locked, err := q.client.FetchAndLock(ctx, q.clientKey, q.cfg.HeadSize, q.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("fetch and lock: %w", err)
		}
		// An expired lock on a request this client is still running can be
		// handed back; keep it out of the head.
		q.head = slices.DeleteFunc(locked, func(r *crawler.Request) bool {
			_, running := q.inFlight[r.ID]
			return running
		})
		q.headAt = q.clock.Now()
	}
	if len(q.head) == 0 {
		return nil, nil
	}
	req := q.head[0]
	q.head = q.head[1:]
	q.inFlight[req.ID] = req
	return req, nil
}

// MarkHandled records success. The request is never served again.
func (q *Queue) MarkHandled(ctx context.Context, req *crawler.Request) error {
	now := q.clock.Now()
	req.State = crawler.RequestHandled
	req.HandledAt = &now
	if err := q.update(ctx, req, false); err != nil {
		return fmt.Errorf("mark handled %s: %w", req.ID, err)
	}
	q.done(req, true)
	return nil
}

// Reclaim returns req for another attempt, or fails it permanently once
// RetryCount exceeds MaxRetries or the request opted out of retries.
func (q *Queue) Reclaim(ctx context.Context, req *crawler.Request, forefront bool) (ReclaimResult, error) {
	req.RetryCount++
	if req.NoRetry || req.RetryCount > q.cfg.MaxRetries {
		req.State = crawler.RequestFailed
		if err := q.update(ctx, req, false); err != nil {
			return ReclaimResult{}, fmt.Errorf("fail exhausted request %s: %w", req.ID, err)
		}
		q.done(req, false)
		q.logger.Debug("request retries exhausted",
			zap.String("url", req.URL),
			zap.Int("retry_count", req.RetryCount),
		)
		return ReclaimResult{Failed: true, RetryCount: req.RetryCount}, nil
	}
	req.State = crawler.RequestPending
	if err := q.update(ctx, req, forefront); err != nil {
		return ReclaimResult{}, fmt.Errorf("reclaim %s: %w", req.ID, err)
	}
	q.done(req, false)
	if forefront {
		if err := q.invalidateHead(ctx); err != nil {
			return ReclaimResult{}, err
		}
	}
	return ReclaimResult{RetryCount: req.RetryCount}, nil
}

// Fail marks req failed without retrying.
func (q *Queue) Fail(ctx context.Context, req *crawler.Request, reason string) error {
	if reason != "" {
		req.PushErrorMessage(reason)
	}
	req.State = crawler.RequestFailed
	if err := q.update(ctx, req, false); err != nil {
		return fmt.Errorf("fail request %s: %w", req.ID, err)
	}
	q.done(req, false)
	return nil
}

// Release unlocks an in-flight request without counting an attempt, for work
// abandoned on shutdown.
func (q *Queue) Release(ctx context.Context, req *crawler.Request) error {
	q.done(req, false)
	if err := q.client.Unlock(ctx, q.clientKey, []string{req.ID}); err != nil {
		return fmt.Errorf("release %s: %w", req.ID, err)
	}
	return nil
}

// IsFinished reports whether no work is pending or running anywhere.
func (q *Queue) IsFinished(ctx context.Context) (bool, error) {
	meta, err := q.client.Metadata(ctx)
	if err != nil {
		return false, fmt.Errorf("queue metadata: %w", err)
	}
	q.mu.Lock()
	local := len(q.head) + len(q.inFlight)
	q.mu.Unlock()
	return meta.PendingCount == 0 && meta.InProgressCount == 0 && local == 0, nil
}

// IsEmpty reports whether nothing is waiting to be fetched. Requests may still be running.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	meta, err := q.client.Metadata(ctx)
	if err != nil {
		return false, fmt.Errorf("queue metadata: %w", err)
	}
	q.mu.Lock()
	head := len(q.head)
	q.mu.Unlock()
	return meta.PendingCount == 0 && head == 0, nil
}

// Stats returns the backend counts.
func (q *Queue) Stats(ctx context.Context) (storage.Metadata, error) {
	meta, err := q.client.Metadata(ctx)
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("queue metadata: %w", err)
	}
	return meta, nil
}

// HandledCount returns the number of handled requests.
func (q *Queue) HandledCount(ctx context.Context) (int, error) {
	meta, err := q.Stats(ctx)
	return meta.HandledCount, err
}

// PendingCount returns the number of pending requests.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	meta, err := q.Stats(ctx)
	return meta.PendingCount, err
}

// InFlight returns how many fetched requests are awaiting an outcome.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Close releases locks on the cached head so other clients can take them.
func (q *Queue) Close(ctx context.Context) error {
	return q.invalidateHead(ctx)
}

// update writes req under this queue's lock. A lost lock means another client
// owns the request now, so it is dropped from local bookkeeping.
func (q *Queue) update(ctx context.Context, req *crawler.Request, forefront bool) error {
	err := q.client.UpdateRequest(ctx, q.clientKey, req, forefront)
	if errors.Is(err, storage.ErrLockLost) {
		q.done(req, false)
		q.logger.Warn("request lock lost", zap.String("url", req.URL), zap.String("request_id", req.ID))
	}
	return err
}

func (q *Queue) done(req *crawler.Request, handled bool) {
	q.mu.Lock()
	delete(q.inFlight, req.ID)
	q.mu.Unlock()
	if handled {
		q.seen.Add(req.UniqueKey, seenEntry{id: req.ID, handled: true})
	}
}

func (q *Queue) invalidateHead(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.head) == 0 {
		return nil
	}
	held := ids(q.head)
	q.head = nil
	if err := q.client.Unlock(ctx, q.clientKey, held); err != nil {
		return fmt.Errorf("unlock head: %w", err)
	}
	return nil
}

func ids(reqs []*crawler.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}
