package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Handler processes one fetched request. A returned error sends the request
// back for a retry unless it is classified as non-retryable.
type Handler func(ctx context.Context, hc *Context) error

// Router maps request labels to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// AddHandler registers fn for label. Labels may be registered once.
func (r *Router) AddHandler(label string, fn Handler) error {
	if label == "" || fn == nil {
		return fmt.Errorf("%w: handler needs a label and a function", crawler.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[label]; exists {
		return fmt.Errorf("%w: handler for label %q already registered", crawler.ErrValidation, label)
	}
	r.handlers[label] = fn
	return nil
}

// SetDefault registers the handler for unlabeled or unknown labels.
func (r *Router) SetDefault(fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Route returns the handler for label.
func (r *Router) Route(label string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.handlers[label]; ok {
		return fn, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, crawler.NonRetryable(fmt.Errorf("no handler for label %q", label))
}
