package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Tests in this file touch the global providers and do not run in parallel.

func TestInitInstallsProviders(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{ServiceName: "test", Version: "v0"}, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(ctx)) })

	require.Same(t, p.Tracer, otel.GetTracerProvider())
	require.NotNil(t, otel.GetTextMapPropagator())
}

func TestRequestSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	req := crawler.MustRequest("http://shop.test/a", crawler.WithLabel("DETAIL"))
	_, span := StartRequestSpan(context.Background(), req)
	EndSpan(span, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "crawl.request", spans[0].Name())
	require.Equal(t, "boom", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
}

func TestShutdownNil(t *testing.T) {
	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
