package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "r", TS: now, Stage: progress.StageRunStart},
		{RunID: "r", TS: now, Stage: progress.StageRequestStart, RequestID: "a"},
		{RunID: "r", TS: now, Stage: progress.StageRequestStart, RequestID: "b"},
		{
			RunID: "r", TS: now, Stage: progress.StageRequestDone, RequestID: "a",
			URL: "https://example.com/a", Path: "static", StatusCode: 200,
			StatusClass: progress.Status2xx, Bytes: 1024, Dur: 200 * time.Millisecond,
		},
		{RunID: "r", TS: now, Stage: progress.StageRequestRetry, RequestID: "b", Retry: 1},
		{RunID: "r", TS: now, Stage: progress.StageRequestStart, RequestID: "b"},
		{RunID: "r", TS: now, Stage: progress.StageRequestFailed, RequestID: "b", URL: "https://example.com/b"},
		{RunID: "r", TS: now, Stage: progress.StageScale, Concurrency: 4},
		{RunID: "r", TS: now, Stage: progress.StageSessionRetired, SessionID: "s1"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.requestsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.requestsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.requestsDone.WithLabelValues("example.com", "static", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.requestsRetried))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.requestsFailed.WithLabelValues("example.com")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.responseBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 4.0, testutil.ToFloat64(sink.concurrency))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsRetired))
	require.Equal(t, 1, testutil.CollectAndCount(sink.requestDuration, "crawler_request_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
