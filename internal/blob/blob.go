// Package blob selects the object store used for dataset exports.
package blob

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/blob/gcs"
	"github.com/JakeFAU/crawl-orchestrator/internal/blob/local"
	"github.com/JakeFAU/crawl-orchestrator/internal/blob/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Supported backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config chooses and configures a backend.
type Config struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// Open builds the configured store. The returned close func is never nil.
func Open(ctx context.Context, cfg Config) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", BackendMemory:
		return memory.New(), noop, nil
	case BackendLocal:
		s, err := local.New(cfg.Local)
		if err != nil {
			return nil, noop, fmt.Errorf("local blob store: %w", err)
		}
		return s, noop, nil
	case BackendGCS:
		s, err := gcs.Dial(ctx, cfg.GCS)
		if err != nil {
			return nil, noop, fmt.Errorf("gcs blob store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}
