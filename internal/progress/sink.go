package progress

import (
	"context"
	"slices"
)

// Sink consumes batches of events. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes single events. Hub satisfies it; a nil *Hub is a no-op.
type Emitter interface {
	Emit(evt Event)
}

// SinkFunc adapts a function to Sink. Close is a no-op.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// Close does nothing.
func (SinkFunc) Close(context.Context) error { return nil }

type filterSink struct {
	next   Sink
	stages []Stage
}

// Filter forwards only events whose stage is listed. Batches that filter down
// to nothing are not forwarded.
func Filter(next Sink, stages ...Stage) Sink {
	return &filterSink{next: next, stages: slices.Clone(stages)}
}

func (f *filterSink) Consume(ctx context.Context, batch []Event) error {
	kept := make([]Event, 0, len(batch))
	for _, evt := range batch {
		if slices.Contains(f.stages, evt.Stage) {
			kept = append(kept, evt)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return f.next.Consume(ctx, kept)
}

func (f *filterSink) Close(ctx context.Context) error { return f.next.Close(ctx) }
