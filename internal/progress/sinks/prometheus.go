package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// PrometheusSink turns progress events into crawler metrics.
type PrometheusSink struct {
	runsStarted     prometheus.Counter
	requestsStarted prometheus.Counter
	requestsDone    *prometheus.CounterVec
	requestsRetried prometheus.Counter
	requestsFailed  *prometheus.CounterVec
	requestsRunning prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	responseBytes   *prometheus.CounterVec
	concurrency     prometheus.Gauge
	sessionsRetired prometheus.Counter
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Crawl runs started.",
		}),
		requestsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_requests_started_total",
			Help: "Request attempts started.",
		}),
		requestsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_requests_done_total",
			Help: "Requests handled, partitioned by site, fetch path and status class.",
		}, []string{"site", "path", "status_class"}),
		requestsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_requests_retried_total",
			Help: "Request attempts that were reclaimed for another try.",
		}),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_requests_failed_total",
			Help: "Requests that failed permanently, partitioned by site.",
		}, []string{"site"}),
		requestsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_requests_running",
			Help: "Request attempts currently in flight.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_request_duration_seconds",
			Help:    "Handled request duration partitioned by fetch path.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"path"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_response_bytes_total",
			Help: "Response bytes downloaded per site.",
		}, []string{"site"}),
		concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_concurrency_limit",
			Help: "Current autoscaled concurrency limit.",
		}),
		sessionsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_sessions_retired_total",
			Help: "Sessions retired from the pool.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted,
		s.requestsStarted,
		s.requestsDone,
		s.requestsRetried,
		s.requestsFailed,
		s.requestsRunning,
		s.requestDuration,
		s.responseBytes,
		s.concurrency,
		s.sessionsRetired,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consume(evt)
	}
	return nil
}

func (s *PrometheusSink) consume(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = progress.SiteOf(evt.URL)
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRequestStart:
		s.requestsStarted.Inc()
		s.requestsRunning.Inc()
	case progress.StageRequestDone:
		s.requestsRunning.Dec()
		s.requestsDone.WithLabelValues(site, evt.Path, string(evt.StatusClass)).Inc()
		if evt.Dur > 0 {
			s.requestDuration.WithLabelValues(evt.Path).Observe(evt.Dur.Seconds())
		}
		if evt.Bytes > 0 {
			s.responseBytes.WithLabelValues(site).Add(float64(evt.Bytes))
		}
	case progress.StageRequestRetry:
		s.requestsRunning.Dec()
		s.requestsRetried.Inc()
	case progress.StageRequestFailed:
		s.requestsRunning.Dec()
		s.requestsFailed.WithLabelValues(site).Inc()
	case progress.StageScale:
		s.concurrency.Set(float64(evt.Concurrency))
	case progress.StageSessionRetired:
		s.sessionsRetired.Inc()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
