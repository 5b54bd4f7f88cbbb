package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// RequestQueue keeps requests in crawl_queue_requests. The request column
// holds the JSON document; state, lock, and ordering columns drive queries.
type RequestQueue struct {
	*base
}

var _ storage.RequestQueueClient = (*RequestQueue)(nil)

const (
	addRequestSQL = `
INSERT INTO crawl_queue_requests (storage_id, id, unique_key, state, forefront, seq, request)
VALUES ($1, $2, $3, $4, $5, nextval('crawl_queue_seq'), $6)
ON CONFLICT (storage_id, unique_key) DO NOTHING`

	existingRequestSQL = `
SELECT id, state FROM crawl_queue_requests WHERE storage_id = $1 AND unique_key = $2`

	getRequestSQL = `
SELECT request, state FROM crawl_queue_requests WHERE storage_id = $1 AND id = $2`

	updateRequestSQL = `
UPDATE crawl_queue_requests SET
	request = jsonb_set($3::jsonb, '{unique_key}', to_jsonb(unique_key)),
	state = $4::text,
	forefront = CASE WHEN $4::text = 'pending' THEN $5::boolean ELSE forefront END,
	seq = CASE WHEN $4::text = 'pending' THEN nextval('crawl_queue_seq') ELSE seq END,
	locked_by = CASE WHEN $4::text = 'in_progress' THEN locked_by ELSE NULL END,
	lock_expires_at = CASE WHEN $4::text = 'in_progress' THEN lock_expires_at ELSE NULL END
WHERE storage_id = $1 AND id = $2
	AND ($6::text = '' OR (state = 'in_progress' AND locked_by = $6::text))`

	requestExistsSQL = `
SELECT EXISTS (SELECT 1 FROM crawl_queue_requests WHERE storage_id = $1 AND id = $2)`

	fetchAndLockSQL = `
UPDATE crawl_queue_requests SET
	state = 'in_progress',
	locked_by = $2,
	lock_expires_at = $3,
	request = jsonb_set(request, '{state}', '"in_progress"')
WHERE storage_id = $1 AND id IN (
	SELECT id FROM crawl_queue_requests
	WHERE storage_id = $1
		AND (state = 'pending' OR (state = 'in_progress' AND lock_expires_at <= $4))
	ORDER BY forefront DESC, seq
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
RETURNING request, forefront, seq`

	unlockSQL = `
UPDATE crawl_queue_requests SET
	state = 'pending',
	locked_by = NULL,
	lock_expires_at = NULL,
	request = jsonb_set(request, '{state}', '"pending"')
WHERE storage_id = $1 AND locked_by = $2 AND state = 'in_progress' AND id = ANY($3)`

	countByStateSQL = `
SELECT state, COUNT(*) FROM crawl_queue_requests WHERE storage_id = $1 GROUP BY state`
)

// Metadata returns queue metadata with per-state counts.
func (q *RequestQueue) Metadata(ctx context.Context) (storage.Metadata, error) {
	meta, err := q.metadata(ctx)
	if err != nil {
		return storage.Metadata{}, err
	}
	rows, err := q.c.pool.Query(ctx, countByStateSQL, q.id)
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("count requests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return storage.Metadata{}, fmt.Errorf("scan request count: %w", err)
		}
		switch crawler.RequestState(state) {
		case crawler.RequestPending:
			meta.PendingCount = n
		case crawler.RequestInProgress:
			meta.InProgressCount = n
		case crawler.RequestHandled:
			meta.HandledCount = n
		case crawler.RequestFailed:
			meta.FailedCount = n
		}
		meta.TotalCount += n
	}
	if err := rows.Err(); err != nil {
		return storage.Metadata{}, fmt.Errorf("iterate request counts: %w", err)
	}
	meta.ItemCount = meta.TotalCount
	return meta, nil
}

// AddRequest inserts req unless its unique key already exists.
func (q *RequestQueue) AddRequest(ctx context.Context, req *crawler.Request, forefront bool) (storage.AddResult, error) {
	if err := q.check(); err != nil {
		return storage.AddResult{}, err
	}
	if req == nil || req.UniqueKey == "" {
		return storage.AddResult{}, fmt.Errorf("%w: request unique key is required", storage.ErrValidation)
	}
	stored := req.Clone()
	if stored.ID == "" {
		stored.ID = crawler.RequestIDFromUniqueKey(stored.UniqueKey)
	}
	if stored.State == "" {
		stored.State = crawler.RequestPending
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return storage.AddResult{}, fmt.Errorf("marshal request: %w", err)
	}
	tag, err := q.c.pool.Exec(ctx, addRequestSQL,
		q.id, stored.ID, stored.UniqueKey, string(stored.State), forefront, doc)
	if err != nil {
		return storage.AddResult{}, fmt.Errorf("add request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if err := q.touch(ctx); err != nil {
			return storage.AddResult{}, err
		}
		return storage.AddResult{RequestID: stored.ID, UniqueKey: stored.UniqueKey}, nil
	}

	var (
		id    string
		state string
	)
	if err := q.c.pool.QueryRow(ctx, existingRequestSQL, q.id, stored.UniqueKey).Scan(&id, &state); err != nil {
		return storage.AddResult{}, fmt.Errorf("lookup existing request: %w", err)
	}
	return storage.AddResult{
		RequestID:         id,
		UniqueKey:         stored.UniqueKey,
		WasAlreadyPresent: true,
		WasAlreadyHandled: crawler.RequestState(state) == crawler.RequestHandled,
	}, nil
}

// GetRequest loads one request by id.
func (q *RequestQueue) GetRequest(ctx context.Context, id string) (*crawler.Request, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	var (
		doc   []byte
		state string
	)
	err := q.c.pool.QueryRow(ctx, getRequestSQL, q.id, id).Scan(&doc, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return decodeRequest(doc, state)
}

// UpdateRequest persists req; see storage.RequestQueueClient for ordering rules.
func (q *RequestQueue) UpdateRequest(ctx context.Context, clientKey string, req *crawler.Request, forefront bool) error {
	if err := q.check(); err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("%w: request is required", storage.ErrValidation)
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	tag, err := q.c.pool.Exec(ctx, updateRequestSQL, q.id, req.ID, doc, string(req.State), forefront, clientKey)
	if err != nil {
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if clientKey == "" {
			return fmt.Errorf("request %s: %w", req.ID, storage.ErrNotFound)
		}
		var exists bool
		if err := q.c.pool.QueryRow(ctx, requestExistsSQL, q.id, req.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check request %s: %w", req.ID, err)
		}
		if exists {
			return fmt.Errorf("request %s: %w", req.ID, storage.ErrLockLost)
		}
		return fmt.Errorf("request %s: %w", req.ID, storage.ErrNotFound)
	}
	return q.touch(ctx)
}

type lockedRow struct {
	req       *crawler.Request
	forefront bool
	seq       int64
}

// FetchAndLock claims up to limit requests in queue order.
func (q *RequestQueue) FetchAndLock(
	ctx context.Context,
	clientKey string,
	limit int,
	lockTTL time.Duration,
) ([]*crawler.Request, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	if clientKey == "" {
		return nil, fmt.Errorf("%w: client key is required", storage.ErrValidation)
	}
	if limit <= 0 {
		return nil, nil
	}
	now := q.c.clock.Now()
	rows, err := q.c.pool.Query(ctx, fetchAndLockSQL, q.id, clientKey, now.Add(lockTTL), now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch and lock: %w", err)
	}
	defer rows.Close()
	var locked []lockedRow
	for rows.Next() {
		var (
			doc []byte
			row lockedRow
		)
		if err := rows.Scan(&doc, &row.forefront, &row.seq); err != nil {
			return nil, fmt.Errorf("scan locked request: %w", err)
		}
		if row.req, err = decodeRequest(doc, string(crawler.RequestInProgress)); err != nil {
			return nil, err
		}
		locked = append(locked, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locked requests: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(locked, func(a, b lockedRow) int {
		if a.forefront != b.forefront {
			if a.forefront {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]*crawler.Request, 0, len(locked))
	for _, row := range locked {
		out = append(out, row.req)
	}
	if len(out) > 0 {
		if err := q.touch(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Unlock returns requests held by clientKey to pending without re-sequencing.
func (q *RequestQueue) Unlock(ctx context.Context, clientKey string, ids []string) error {
	if err := q.check(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	tag, err := q.c.pool.Exec(ctx, unlockSQL, q.id, clientKey, ids)
	if err != nil {
		return fmt.Errorf("unlock requests: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return q.touch(ctx)
}

// Purge deletes every request.
func (q *RequestQueue) Purge(ctx context.Context) error {
	return q.purge(ctx, tableQueueRequests)
}

// Drop deletes the queue row; requests cascade.
func (q *RequestQueue) Drop(ctx context.Context) error {
	return q.drop(ctx)
}

func decodeRequest(doc []byte, state string) (*crawler.Request, error) {
	var req crawler.Request
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	req.State = crawler.RequestState(state)
	return &req, nil
}
