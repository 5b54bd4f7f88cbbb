package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// PublisherSink forwards run-level and failure events to a message topic.
// High-volume request start/done events stay local.
type PublisherSink struct {
	pub   crawler.Publisher
	topic string
}

// NewPublisherSink publishes to topic through pub.
func NewPublisherSink(pub crawler.Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume publishes each forwarded event as its own message.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRequestFailed,
			progress.StageScale, progress.StageSessionRetired:
		default:
			continue
		}
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Stage, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
