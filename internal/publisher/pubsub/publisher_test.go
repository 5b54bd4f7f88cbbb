package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestAttributeCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	attrs := attributeCarrier{}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, attrs)
	require.Equal(t, []string{"traceparent"}, attrs.Keys())

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), attrs))
	require.Equal(t, traceID, got.TraceID())
	require.Equal(t, spanID, got.SpanID())
}

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	p := New(nil, "progress", nil)
	_, err := p.Publish(context.Background(), "", map[string]int{"n": 1})
	require.Error(t, err)
	require.NoError(t, p.Close())
}

func TestDialRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{}, nil)
	require.Error(t, err)
}
