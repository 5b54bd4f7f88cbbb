package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/adaptive"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/session"
)

// ErrNoDataset is returned by PushData when no dataset is configured.
var ErrNoDataset = errors.New("no dataset configured")

// Context is what a Handler sees of the request being processed. Requests and
// items a handler adds are held until it returns without error, so a failed
// attempt leaves no trace and its retry does not duplicate output.
type Context struct {
	Request  *crawler.Request
	Session  *session.Session
	Response crawler.FetchResponse
	Path     adaptive.Path
	// BodyURI is where the response body was archived, if archiving is on.
	BodyURI string

	o      *Orchestrator
	logger *zap.Logger

	mu       sync.Mutex
	requests []*crawler.Request
	items    []any
}

// AddRequests enqueues follow-up requests once the handler succeeds.
func (hc *Context) AddRequests(_ context.Context, reqs ...*crawler.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	hc.mu.Lock()
	hc.requests = append(hc.requests, reqs...)
	hc.mu.Unlock()
	return nil
}

// PushData appends items to the run's dataset once the handler succeeds.
func (hc *Context) PushData(_ context.Context, items ...any) error {
	if hc.o.deps.Dataset == nil {
		return crawler.NonRetryable(ErrNoDataset)
	}
	hc.mu.Lock()
	hc.items = append(hc.items, items...)
	hc.mu.Unlock()
	return nil
}

// commit writes what the handler buffered. Requests go first: the queue
// dedups them, so a retry after a failed push re-adds nothing.
func (hc *Context) commit(ctx context.Context) error {
	hc.mu.Lock()
	reqs, items := hc.requests, hc.items
	hc.requests, hc.items = nil, nil
	hc.mu.Unlock()

	if len(reqs) > 0 {
		res, err := hc.o.deps.Queue.AddBatch(ctx, reqs, false)
		if err != nil {
			return fmt.Errorf("add requests: %w", err)
		}
		added := 0
		for _, r := range res {
			if !r.WasAlreadyPresent {
				added++
			}
		}
		hc.logger.Debug("enqueued follow-up requests", zap.Int("requested", len(reqs)), zap.Int("added", added))
	}
	if len(items) > 0 {
		if err := hc.o.deps.Dataset.Push(ctx, items...); err != nil {
			return fmt.Errorf("push data: %w", err)
		}
	}
	return nil
}

// Logger returns a logger scoped to the request.
func (hc *Context) Logger() *zap.Logger {
	return hc.logger
}
