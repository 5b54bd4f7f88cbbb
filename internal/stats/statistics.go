package stats

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/events"
	"github.com/JakeFAU/crawl-orchestrator/internal/kvstore"
)

// DefaultPersistKey is the key-value record holding saved statistics.
const DefaultPersistKey = "CRAWLER_STATISTICS"

// Config controls logging and persistence.
type Config struct {
	LogInterval     time.Duration `mapstructure:"log_interval"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	PersistKey      string        `mapstructure:"persist_key"`
}

// DefaultConfig returns the standard statistics settings.
func DefaultConfig() Config {
	return Config{
		LogInterval:     time.Minute,
		PersistInterval: time.Minute,
		PersistKey:      DefaultPersistKey,
	}
}

// CPUTimer reports cumulative CPU time consumed by the process.
type CPUTimer func() (time.Duration, error)

// ProcessCPUTime reads user plus system CPU time of the current process.
func ProcessCPUTime() CPUTimer {
	var (
		once sync.Once
		proc *process.Process
		perr error
	)
	return func() (time.Duration, error) {
		once.Do(func() { proc, perr = process.NewProcess(int32(os.Getpid())) })
		if perr != nil {
			return 0, fmt.Errorf("open process: %w", perr)
		}
		times, err := proc.Times()
		if err != nil {
			return 0, fmt.Errorf("process cpu times: %w", err)
		}
		return time.Duration((times.User + times.System) * float64(time.Second)), nil
	}
}

// FailedRequest is one entry of the failed request list.
type FailedRequest struct {
	ID    string    `json:"id"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Summary is a point-in-time view of the run.
type Summary struct {
	RequestsFinished          int           `json:"requests_finished"`
	RequestsFailed            int           `json:"requests_failed"`
	RequestsRetries           int           `json:"requests_retries"`
	RequestsFinishedPerMinute float64       `json:"requests_finished_per_minute"`
	RequestsFailedPerMinute   float64       `json:"requests_failed_per_minute"`
	RequestAvgDuration        time.Duration `json:"request_avg_duration"`
	RequestMinDuration        time.Duration `json:"request_min_duration"`
	RequestMaxDuration        time.Duration `json:"request_max_duration"`
	RequestTotalDuration      time.Duration `json:"request_total_duration"`
	RequestAvgCPU             time.Duration `json:"request_avg_cpu"`
	RequestTotalCPU           time.Duration `json:"request_total_cpu"`
	RetryHistogram            []int         `json:"retry_histogram"`
	Runtime                   time.Duration `json:"runtime"`
	Errors                    []ErrorGroup  `json:"errors"`
	RetryErrors               []ErrorGroup  `json:"retry_errors"`
	StartedAt                 time.Time     `json:"started_at"`
}

type job struct {
	wallStart time.Time
	cpuStart  time.Duration
	retries   int
}

// persisted is the saved shape. Durations are stored in nanoseconds.
type persisted struct {
	Finished       int             `json:"finished"`
	Failed         int             `json:"failed"`
	Retries        int             `json:"retries"`
	TotalDuration  time.Duration   `json:"total_duration"`
	MinDuration    time.Duration   `json:"min_duration"`
	MaxDuration    time.Duration   `json:"max_duration"`
	TotalCPU       time.Duration   `json:"total_cpu"`
	RetryHistogram []int           `json:"retry_histogram"`
	Runtime        time.Duration   `json:"runtime"`
	Errors         map[string]int  `json:"errors"`
	RetryErrors    map[string]int  `json:"retry_errors"`
	FailedRequests []FailedRequest `json:"failed_requests"`
	StartedAt      time.Time       `json:"started_at"`
}

// Statistics tracks per-request timings for one crawl.
type Statistics struct {
	cfg    Config
	store  *kvstore.Store
	now    func() time.Time
	cpu    CPUTimer
	logger *zap.Logger

	errs      *ErrorTracker
	retryErrs *ErrorTracker

	mu             sync.Mutex
	jobs           map[string]*job
	finished       int
	failed         int
	retries        int
	totalDuration  time.Duration
	minDuration    time.Duration
	maxDuration    time.Duration
	totalCPU       time.Duration
	retryHistogram []int
	failedRequests []FailedRequest
	startedAt      time.Time
	runStart       time.Time
	priorRuntime   time.Duration
}

// Option customizes Statistics.
type Option func(*Statistics)

// WithStore enables persistence and resumes from saved state on construction.
func WithStore(store *kvstore.Store) Option { return func(s *Statistics) { s.store = store } }

// WithNow overrides the wall clock. The default keeps Go's monotonic reading.
func WithNow(now func() time.Time) Option { return func(s *Statistics) { s.now = now } }

// WithCPUTimer overrides the process CPU source.
func WithCPUTimer(cpu CPUTimer) Option { return func(s *Statistics) { s.cpu = cpu } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(s *Statistics) { s.logger = logger } }

// New builds Statistics and resumes saved state when a store is configured.
func New(ctx context.Context, cfg Config, opts ...Option) (*Statistics, error) {
	if cfg.PersistKey == "" {
		cfg.PersistKey = DefaultPersistKey
	}
	s := &Statistics{
		cfg:       cfg,
		now:       time.Now,
		cpu:       ProcessCPUTime(),
		logger:    zap.NewNop(),
		errs:      NewErrorTracker(),
		retryErrs: NewErrorTracker(),
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("statistics")
	s.runStart = s.now()
	s.startedAt = s.runStart
	if s.store != nil {
		if err := s.resume(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Errors returns the tracker for terminal failures.
func (s *Statistics) Errors() *ErrorTracker { return s.errs }

// RetryErrors returns the tracker for errors that caused a retry.
func (s *Statistics) RetryErrors() *ErrorTracker { return s.retryErrs }

// StartJob starts timing an attempt. Retry counts survive restarts of the same id.
func (s *Statistics) StartJob(id string) {
	wall := s.now()
	cpu := s.cpuNow()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		j = &job{}
		s.jobs[id] = j
	}
	j.wallStart = wall
	j.cpuStart = cpu
}

// RegisterRetry counts a retry of id caused by err.
func (s *Statistics) RegisterRetry(id string, err error) {
	s.retryErrs.Add(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	if j, ok := s.jobs[id]; ok {
		j.retries++
	}
}

// FinishJob records a successful request and returns its wall duration.
func (s *Statistics) FinishJob(id string) time.Duration {
	wall := s.now()
	cpu := s.cpuNow()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0
	}
	delete(s.jobs, id)
	d := max(0, wall.Sub(j.wallStart))
	c := max(0, cpu-j.cpuStart)

	s.finished++
	s.totalDuration += d
	s.totalCPU += c
	if s.finished == 1 || d < s.minDuration {
		s.minDuration = d
	}
	s.maxDuration = max(s.maxDuration, d)
	s.bumpHistogramLocked(j.retries)
	return d
}

// FailJob records a terminal failure of id.
func (s *Statistics) FailJob(id string, err error) {
	s.errs.Add(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	at := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	retries := 0
	if j, ok := s.jobs[id]; ok {
		retries = j.retries
		delete(s.jobs, id)
	}
	s.failed++
	s.bumpHistogramLocked(retries)
	s.failedRequests = append(s.failedRequests, FailedRequest{ID: id, Error: msg, At: at})
}

// FailedRequests lists terminal failures in the order they happened.
func (s *Statistics) FailedRequests() []FailedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failedRequests)
}

// Summary computes the current view. Safe to call mid-run.
func (s *Statistics) Summary() Summary {
	now := s.now()
	s.mu.Lock()
	runtime := s.priorRuntime + max(0, now.Sub(s.runStart))
	sum := Summary{
		RequestsFinished:     s.finished,
		RequestsFailed:       s.failed,
		RequestsRetries:      s.retries,
		RequestMinDuration:   s.minDuration,
		RequestMaxDuration:   s.maxDuration,
		RequestTotalDuration: s.totalDuration,
		RequestTotalCPU:      s.totalCPU,
		RetryHistogram:       slices.Clone(s.retryHistogram),
		Runtime:              runtime,
		StartedAt:            s.startedAt,
	}
	s.mu.Unlock()

	if sum.RequestsFinished > 0 {
		sum.RequestAvgDuration = sum.RequestTotalDuration / time.Duration(sum.RequestsFinished)
		sum.RequestAvgCPU = sum.RequestTotalCPU / time.Duration(sum.RequestsFinished)
	}
	if minutes := runtime.Minutes(); minutes > 0 {
		sum.RequestsFinishedPerMinute = float64(sum.RequestsFinished) / minutes
		sum.RequestsFailedPerMinute = float64(sum.RequestsFailed) / minutes
	}
	sum.Errors = s.errs.Groups()
	sum.RetryErrors = s.retryErrs.Groups()
	return sum
}

// Subscribe persists statistics on every PersistState and Migrating event.
func (s *Statistics) Subscribe(bus *events.Bus) (unsubscribe func()) {
	persist := func(ctx context.Context, _ events.Event) error {
		return s.PersistState(ctx)
	}
	offPersist := bus.On(events.PersistState, persist)
	offMigrating := bus.On(events.Migrating, persist)
	return func() {
		offPersist()
		offMigrating()
	}
}

// PersistState writes the counters to the key-value store.
func (s *Statistics) PersistState(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	state := persisted{
		Finished:       s.finished,
		Failed:         s.failed,
		Retries:        s.retries,
		TotalDuration:  s.totalDuration,
		MinDuration:    s.minDuration,
		MaxDuration:    s.maxDuration,
		TotalCPU:       s.totalCPU,
		RetryHistogram: slices.Clone(s.retryHistogram),
		Runtime:        s.priorRuntime + max(0, now.Sub(s.runStart)),
		FailedRequests: slices.Clone(s.failedRequests),
		StartedAt:      s.startedAt,
	}
	s.mu.Unlock()
	state.Errors = s.errs.snapshot()
	state.RetryErrors = s.retryErrs.snapshot()
	if err := s.store.Set(ctx, s.cfg.PersistKey, state); err != nil {
		return fmt.Errorf("persist statistics: %w", err)
	}
	return nil
}

func (s *Statistics) resume(ctx context.Context) error {
	var state persisted
	ok, err := s.store.Get(ctx, s.cfg.PersistKey, &state)
	if err != nil {
		return fmt.Errorf("resume statistics: %w", err)
	}
	if !ok {
		return nil
	}
	s.finished = state.Finished
	s.failed = state.Failed
	s.retries = state.Retries
	s.totalDuration = state.TotalDuration
	s.minDuration = state.MinDuration
	s.maxDuration = state.MaxDuration
	s.totalCPU = state.TotalCPU
	s.retryHistogram = state.RetryHistogram
	s.failedRequests = state.FailedRequests
	s.priorRuntime = state.Runtime
	if !state.StartedAt.IsZero() {
		s.startedAt = state.StartedAt
	}
	s.errs.load(state.Errors)
	s.retryErrs.load(state.RetryErrors)
	s.logger.Info("resumed statistics",
		zap.Int("finished", s.finished),
		zap.Int("failed", s.failed),
	)
	return nil
}

// Run logs a summary every LogInterval until ctx ends.
func (s *Statistics) Run(ctx context.Context) {
	if s.cfg.LogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Log()
		}
	}
}

// Log writes the current summary at info level.
func (s *Statistics) Log() {
	sum := s.Summary()
	s.logger.Info("crawl statistics",
		zap.Int("finished", sum.RequestsFinished),
		zap.Int("failed", sum.RequestsFailed),
		zap.Int("retries", sum.RequestsRetries),
		zap.Float64("finished_per_minute", sum.RequestsFinishedPerMinute),
		zap.Duration("avg_duration", sum.RequestAvgDuration),
		zap.Duration("avg_cpu", sum.RequestAvgCPU),
		zap.Duration("runtime", sum.Runtime),
		zap.Int("unique_errors", s.errs.UniqueErrorCount()),
	)
}

func (s *Statistics) bumpHistogramLocked(retries int) {
	for len(s.retryHistogram) <= retries {
		s.retryHistogram = append(s.retryHistogram, 0)
	}
	s.retryHistogram[retries]++
}

func (s *Statistics) cpuNow() time.Duration {
	if s.cpu == nil {
		return 0
	}
	d, err := s.cpu()
	if err != nil {
		s.logger.Debug("cpu time unavailable", zap.Error(err))
		return 0
	}
	return d
}
