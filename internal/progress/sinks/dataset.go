package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// ItemPusher appends items to a dataset. *dataset.Dataset satisfies it.
type ItemPusher interface {
	Push(ctx context.Context, items ...any) error
}

// DatasetSink appends request outcomes to a dataset so they can be exported
// with the crawl results.
type DatasetSink struct {
	ds     ItemPusher
	stages map[progress.Stage]bool
}

// NewDatasetSink records the given stages, or every request outcome when none are listed.
func NewDatasetSink(ds ItemPusher, stages ...progress.Stage) *DatasetSink {
	if len(stages) == 0 {
		stages = []progress.Stage{
			progress.StageRequestDone,
			progress.StageRequestRetry,
			progress.StageRequestFailed,
		}
	}
	keep := make(map[progress.Stage]bool, len(stages))
	for _, st := range stages {
		keep[st] = true
	}
	return &DatasetSink{ds: ds, stages: keep}
}

// Consume pushes the matching events in one call.
func (s *DatasetSink) Consume(ctx context.Context, batch []progress.Event) error {
	items := make([]any, 0, len(batch))
	for _, evt := range batch {
		if s.stages[evt.Stage] {
			items = append(items, evt)
		}
	}
	if len(items) == 0 {
		return nil
	}
	if err := s.ds.Push(ctx, items...); err != nil {
		return fmt.Errorf("push progress events: %w", err)
	}
	return nil
}

// Close implements progress.Sink.
func (s *DatasetSink) Close(context.Context) error {
	return nil
}
