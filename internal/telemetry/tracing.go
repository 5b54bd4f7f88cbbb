package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const instrumentation = "github.com/JakeFAU/crawl-orchestrator"

// StartRequestSpan opens a span covering one attempt at req.
func StartRequestSpan(ctx context.Context, req *crawler.Request) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "crawl.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("crawl.request_id", req.ID),
			attribute.String("crawl.url", req.URL),
			attribute.String("crawl.label", req.Label),
			attribute.Int("crawl.retry_count", req.RetryCount),
		),
	)
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
