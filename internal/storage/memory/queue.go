package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// QueueEntry is the persisted form of one queued request.
type QueueEntry struct {
	Request       *crawler.Request `json:"request"`
	Forefront     bool             `json:"forefront"`
	Seq           int64            `json:"seq"`
	LockedBy      string           `json:"locked_by,omitempty"`
	LockExpiresAt time.Time        `json:"lock_expires_at,omitzero"`
}

// Before orders forefront entries first, then by sequence.
func (e *QueueEntry) Before(other *QueueEntry) bool {
	if e.Forefront != other.Forefront {
		return e.Forefront
	}
	return e.Seq < other.Seq
}

// RequestQueue is the in-memory work queue.
type RequestQueue struct {
	base
	entries map[string]*QueueEntry
	byKey   map[string]string
	nextSeq int64
}

var _ storage.RequestQueueClient = (*RequestQueue)(nil)

// NewRequestQueue restores a queue from meta and entries. Locks belong to the
// process that took them, so restored in-progress entries come back pending
// in their original position.
func NewRequestQueue(meta storage.Metadata, entries []QueueEntry, cfg StoreConfig) *RequestQueue {
	meta.Kind = storage.KindRequestQueue
	q := &RequestQueue{
		base:    newBase(meta, cfg),
		entries: make(map[string]*QueueEntry, len(entries)),
		byKey:   make(map[string]string, len(entries)),
	}
	for i := range entries {
		e := entries[i]
		if e.Request.State == crawler.RequestInProgress {
			req := *e.Request
			req.State = crawler.RequestPending
			e.Request = &req
		}
		e.LockedBy = ""
		e.LockExpiresAt = time.Time{}
		q.entries[e.Request.ID] = &e
		q.byKey[e.Request.UniqueKey] = e.Request.ID
		q.nextSeq = max(q.nextSeq, e.Seq+1)
	}
	q.recountLocked()
	return q
}

// Metadata returns queue metadata including state counts.
func (q *RequestQueue) Metadata(_ context.Context) (storage.Metadata, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return storage.Metadata{}, err
	}
	return q.meta, nil
}

// AddRequest inserts req unless its unique key already exists.
func (q *RequestQueue) AddRequest(_ context.Context, req *crawler.Request, forefront bool) (storage.AddResult, error) {
	if req == nil || req.UniqueKey == "" {
		return storage.AddResult{}, fmt.Errorf("%w: request unique key is required", storage.ErrValidation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return storage.AddResult{}, err
	}
	if id, ok := q.byKey[req.UniqueKey]; ok {
		existing := q.entries[id]
		q.touchLocked(false)
		return storage.AddResult{
			RequestID:         id,
			UniqueKey:         req.UniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.Request.State == crawler.RequestHandled,
		}, nil
	}
	stored := req.Clone()
	if stored.ID == "" {
		stored.ID = crawler.RequestIDFromUniqueKey(stored.UniqueKey)
	}
	if stored.State == "" {
		stored.State = crawler.RequestPending
	}
	e := &QueueEntry{Request: stored, Forefront: forefront, Seq: q.nextSeq}
	q.nextSeq++
	if err := q.writeEntryLocked(e); err != nil {
		return storage.AddResult{}, err
	}
	q.entries[stored.ID] = e
	q.byKey[stored.UniqueKey] = stored.ID
	q.recountLocked()
	q.touchLocked(true)
	if err := q.persistMetaLocked(); err != nil {
		return storage.AddResult{}, err
	}
	return storage.AddResult{RequestID: stored.ID, UniqueKey: stored.UniqueKey}, nil
}

// GetRequest returns a copy of the stored request.
func (q *RequestQueue) GetRequest(_ context.Context, id string) (*crawler.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return nil, err
	}
	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	q.touchLocked(false)
	return e.Request.Clone(), nil
}

// UpdateRequest stores req's new state.
func (q *RequestQueue) UpdateRequest(_ context.Context, clientKey string, req *crawler.Request, forefront bool) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", storage.ErrValidation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return err
	}
	e, ok := q.entries[req.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", req.ID, storage.ErrNotFound)
	}
	if clientKey != "" && (e.Request.State != crawler.RequestInProgress || e.LockedBy != clientKey) {
		return fmt.Errorf("request %s: %w", req.ID, storage.ErrLockLost)
	}
	updated := req.Clone()
	updated.UniqueKey = e.Request.UniqueKey
	next := *e
	next.Request = updated
	switch updated.State {
	case crawler.RequestPending:
		next.LockedBy = ""
		next.LockExpiresAt = time.Time{}
		next.Forefront = forefront
		next.Seq = q.nextSeq
		q.nextSeq++
	case crawler.RequestHandled, crawler.RequestFailed:
		next.LockedBy = ""
		next.LockExpiresAt = time.Time{}
	}
	if err := q.writeEntryLocked(&next); err != nil {
		return err
	}
	*e = next
	q.recountLocked()
	q.touchLocked(true)
	return q.persistMetaLocked()
}

// FetchAndLock locks up to limit available requests in queue order.
func (q *RequestQueue) FetchAndLock(
	_ context.Context,
	clientKey string,
	limit int,
	lockTTL time.Duration,
) ([]*crawler.Request, error) {
	if clientKey == "" {
		return nil, fmt.Errorf("%w: client key is required", storage.ErrValidation)
	}
	if limit <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return nil, err
	}
	now := q.cfg.Clock.Now()
	var available []*QueueEntry
	for _, e := range q.entries {
		switch e.Request.State {
		case crawler.RequestPending:
			available = append(available, e)
		case crawler.RequestInProgress:
			if !e.LockExpiresAt.IsZero() && !e.LockExpiresAt.After(now) {
				available = append(available, e)
			}
		}
	}
	slices.SortFunc(available, func(a, b *QueueEntry) int {
		if a.Before(b) {
			return -1
		}
		return 1
	})
	if len(available) > limit {
		available = available[:limit]
	}
	out := make([]*crawler.Request, 0, len(available))
	for _, e := range available {
		next := *e
		next.Request = e.Request.Clone()
		next.Request.State = crawler.RequestInProgress
		next.LockedBy = clientKey
		next.LockExpiresAt = now.Add(lockTTL)
		if err := q.writeEntryLocked(&next); err != nil {
			return nil, err
		}
		*e = next
		out = append(out, e.Request.Clone())
	}
	if len(out) > 0 {
		q.recountLocked()
		q.touchLocked(true)
		if err := q.persistMetaLocked(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Unlock returns requests locked by clientKey to pending without re-sequencing.
func (q *RequestQueue) Unlock(_ context.Context, clientKey string, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		e, ok := q.entries[id]
		if !ok || e.Request.State != crawler.RequestInProgress || e.LockedBy != clientKey {
			continue
		}
		next := *e
		next.Request = e.Request.Clone()
		next.Request.State = crawler.RequestPending
		next.LockedBy = ""
		next.LockExpiresAt = time.Time{}
		if err := q.writeEntryLocked(&next); err != nil {
			return err
		}
		*e = next
		changed = true
	}
	if changed {
		q.recountLocked()
		q.touchLocked(true)
		return q.persistMetaLocked()
	}
	return nil
}

// Purge removes every request but keeps the queue identity.
func (q *RequestQueue) Purge(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(); err != nil {
		return err
	}
	if err := q.cfg.Journal.Clear(); err != nil {
		return fmt.Errorf("clear request queue: %w", err)
	}
	clear(q.entries)
	clear(q.byKey)
	q.recountLocked()
	q.touchLocked(true)
	return q.persistMetaLocked()
}

// Drop deletes the queue. Dropping twice is a no-op.
func (q *RequestQueue) Drop(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropLocked()
}

func (q *RequestQueue) writeEntryLocked(e *QueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := q.cfg.Journal.WriteEntry(RequestEntryName(e.Request.ID), data); err != nil {
		return fmt.Errorf("write queue entry %s: %w", e.Request.ID, err)
	}
	return nil
}

func (q *RequestQueue) recountLocked() {
	var pending, inProgress, handled, failed int
	for _, e := range q.entries {
		switch e.Request.State {
		case crawler.RequestPending:
			pending++
		case crawler.RequestInProgress:
			inProgress++
		case crawler.RequestHandled:
			handled++
		case crawler.RequestFailed:
			failed++
		}
	}
	q.meta.PendingCount = pending
	q.meta.InProgressCount = inProgress
	q.meta.HandledCount = handled
	q.meta.FailedCount = failed
	q.meta.TotalCount = len(q.entries)
	q.meta.ItemCount = len(q.entries)
}
