package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ErrUnavailable is returned by Noop.
var ErrUnavailable = errors.New("headless fetcher not configured")

// Noop implements Fetcher but always fails, for deployments without a
// browser. Requests routed to it fail without retries.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns ErrUnavailable wrapped as non-retryable.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, crawler.NonRetryable(ErrUnavailable)
}
