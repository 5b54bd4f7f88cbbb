package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/autoscale"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dataset"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue"
	"github.com/JakeFAU/crawl-orchestrator/internal/session"
	"github.com/JakeFAU/crawl-orchestrator/internal/stats"
)

// Config controls the server.
type Config struct {
	// APIKey protects /v1 routes when set. Probes and /metrics stay open.
	APIKey  string
	Timeout time.Duration
}

// Deps are the components the server reports on. Dataset, Sessions and
// HTTPMetrics are optional.
type Deps struct {
	Queue       *queue.Queue
	Stats       *stats.Statistics
	Autoscaler  *autoscale.Autoscaler
	Sessions    *session.Pool
	Dataset     *dataset.Dataset
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTP
}

// Server wires HTTP handlers to the crawl components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
	ready  atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	lists := NewListHandler(deps.Stats, deps.Dataset, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Middleware)
	}
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.getStats)
		r.Get("/errors", s.getErrors)
		r.Get("/queue", s.getQueue)
		r.Get("/concurrency", s.getConcurrency)
		r.Get("/sessions", s.getSessions)
		r.Post("/requests", s.addRequests)
		r.Get("/failed", lists.ListFailed)
		r.Get("/items", lists.ListItems)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe. The crawl marks itself ready once its
// storages are open and seeds are enqueued.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Summary())
}

func (s *Server) getErrors(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, errorsResponse{
		Errors:      s.deps.Stats.Errors().Groups(),
		RetryErrors: s.deps.Stats.RetryErrors().Groups(),
		Unique:      s.deps.Stats.Errors().UniqueErrorCount(),
	})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	meta, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	finished, err := s.deps.Queue.IsFinished(r.Context())
	if err != nil {
		s.logger.Error("queue finished check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		ID:         meta.ID,
		Name:       meta.Name,
		Pending:    meta.PendingCount,
		InProgress: meta.InProgressCount,
		Handled:    meta.HandledCount,
		Failed:     meta.FailedCount,
		Total:      meta.TotalCount,
		InFlight:   s.deps.Queue.InFlight(),
		Finished:   finished,
	})
}

func (s *Server) getConcurrency(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Autoscaler == nil {
		writeError(w, http.StatusServiceUnavailable, "autoscaler unavailable")
		return
	}
	snap := s.deps.Autoscaler.Snapshotter()
	writeJSON(w, http.StatusOK, concurrencyResponse{
		State:      s.deps.Autoscaler.State(),
		Current:    snap.CurrentStatus(),
		Historical: snap.HistoricalStatus(),
	})
}

func (s *Server) getSessions(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"size":     s.deps.Sessions.Size(),
		"borrowed": s.deps.Sessions.Borrowed(),
	})
}

func (s *Server) addRequests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	var body addRequestsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reqs, err := body.toRequests()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.deps.Queue.AddBatch(r.Context(), reqs, body.Forefront)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	out := make([]addResultDTO, 0, len(results))
	for _, res := range results {
		out = append(out, addResultDTO{
			RequestID:         res.RequestID,
			UniqueKey:         res.UniqueKey,
			WasAlreadyPresent: res.WasAlreadyPresent,
			WasAlreadyHandled: res.WasAlreadyHandled,
		})
	}
	s.logger.Info("requests added via API", zap.Int("count", len(out)))
	writeJSON(w, http.StatusAccepted, map[string]any{"results": out})
}

type addRequestsRequest struct {
	URLs      []string       `json:"urls"`
	Method    string         `json:"method"`
	Label     string         `json:"label"`
	UserData  map[string]any `json:"user_data"`
	Forefront bool           `json:"forefront"`
	NoRetry   bool           `json:"no_retry"`
}

func (b addRequestsRequest) toRequests() ([]*crawler.Request, error) {
	if len(b.URLs) == 0 {
		return nil, errors.New("urls required")
	}
	opts := []crawler.RequestOption{crawler.WithLabel(b.Label)}
	if b.Method != "" {
		opts = append(opts, crawler.WithMethod(b.Method))
	}
	if b.UserData != nil {
		opts = append(opts, crawler.WithUserData(b.UserData))
	}
	if b.NoRetry {
		opts = append(opts, crawler.WithNoRetry())
	}
	reqs := make([]*crawler.Request, 0, len(b.URLs))
	for _, u := range b.URLs {
		req, err := crawler.NewRequest(u, opts...)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", u, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

type addResultDTO struct {
	RequestID         string `json:"request_id"`
	UniqueKey         string `json:"unique_key"`
	WasAlreadyPresent bool   `json:"was_already_present"`
	WasAlreadyHandled bool   `json:"was_already_handled"`
}

type errorsResponse struct {
	Errors      []stats.ErrorGroup `json:"errors"`
	RetryErrors []stats.ErrorGroup `json:"retry_errors"`
	Unique      int                `json:"unique"`
}

type queueResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Handled    int    `json:"handled"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
	InFlight   int    `json:"in_flight"`
	Finished   bool   `json:"finished"`
}

type concurrencyResponse struct {
	State      autoscale.State  `json:"state"`
	Current    autoscale.Status `json:"current_overload"`
	Historical autoscale.Status `json:"historical_overload"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
