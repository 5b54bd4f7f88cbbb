// Package autoscale samples resource pressure and turns it into a bound on
// concurrent crawl tasks.
package autoscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Sampler reads CPU and memory utilization as ratios in [0, 1].
type Sampler interface {
	Sample(ctx context.Context) (cpuRatio, memRatio float64, err error)
}

// SystemSampler reads host utilization through gopsutil.
type SystemSampler struct{}

// Sample implements Sampler.
func (SystemSampler) Sample(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu percent: %w", err)
	}
	var cpuRatio float64
	if len(percents) > 0 {
		cpuRatio = percents[0] / 100
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("virtual memory: %w", err)
	}
	return cpuRatio, vm.UsedPercent / 100, nil
}

// SnapshotConfig sets sampling cadence and overload thresholds.
type SnapshotConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	WindowSize      int           `mapstructure:"window_size"`
	MinConsecutive  int           `mapstructure:"min_consecutive"`
	OverloadedRatio float64       `mapstructure:"overloaded_ratio"`
	MaxCPU          float64       `mapstructure:"max_cpu"`
	MaxMemory       float64       `mapstructure:"max_memory"`
	MaxLoopLag      time.Duration `mapstructure:"max_loop_lag"`
	MaxClientError  float64       `mapstructure:"max_client_error"`
}

// DefaultSnapshotConfig returns the standard thresholds.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Interval:        time.Second,
		WindowSize:      30,
		MinConsecutive:  2,
		OverloadedRatio: 0.4,
		MaxCPU:          0.95,
		MaxMemory:       0.9,
		MaxLoopLag:      50 * time.Millisecond,
		MaxClientError:  0.3,
	}
}

func (c SnapshotConfig) withDefaults() SnapshotConfig {
	d := DefaultSnapshotConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinConsecutive <= 0 {
		c.MinConsecutive = 1
	}
	if c.OverloadedRatio <= 0 {
		c.OverloadedRatio = d.OverloadedRatio
	}
	if c.MaxCPU <= 0 {
		c.MaxCPU = d.MaxCPU
	}
	if c.MaxMemory <= 0 {
		c.MaxMemory = d.MaxMemory
	}
	if c.MaxLoopLag <= 0 {
		c.MaxLoopLag = d.MaxLoopLag
	}
	if c.MaxClientError <= 0 {
		c.MaxClientError = d.MaxClientError
	}
	return c
}

// Status flags which resources are overloaded.
type Status struct {
	CPU          bool `json:"cpu"`
	Memory       bool `json:"memory"`
	LoopLag      bool `json:"loop_lag"`
	ClientErrors bool `json:"client_errors"`
}

// Any reports whether at least one resource is overloaded.
func (s Status) Any() bool {
	return s.CPU || s.Memory || s.LoopLag || s.ClientErrors
}

// Snapshot is one sample. LoopLag is scaled so 1.0 equals MaxLoopLag.
type Snapshot struct {
	At               time.Time `json:"at"`
	CPURatio         float64   `json:"cpu_ratio"`
	MemoryRatio      float64   `json:"memory_ratio"`
	LoopLag          float64   `json:"loop_lag"`
	ClientErrorRatio float64   `json:"client_error_ratio"`
	Overloaded       Status    `json:"overloaded"`
}

// Snapshotter keeps a bounded window of classified samples.
type Snapshotter struct {
	cfg     SnapshotConfig
	sampler Sampler
	logger  *zap.Logger
	clock   crawler.Clock

	mu           sync.Mutex
	window       []Snapshot
	seq          uint64
	streak       [4]int
	requests     int
	clientErrors int
}

// SnapshotOption customizes a Snapshotter.
type SnapshotOption func(*Snapshotter)

// WithSnapshotClock stamps samples from c instead of the system clock.
func WithSnapshotClock(c crawler.Clock) SnapshotOption {
	return func(s *Snapshotter) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewSnapshotter builds a snapshotter. A nil sampler uses SystemSampler.
func NewSnapshotter(cfg SnapshotConfig, sampler Sampler, logger *zap.Logger, opts ...SnapshotOption) *Snapshotter {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Snapshotter{
		cfg:     cfg.withDefaults(),
		sampler: sampler,
		logger:  logger.Named("snapshotter"),
		clock:   system.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Snapshotter) Config() SnapshotConfig { return s.cfg }

// ReportRequest counts one outbound request toward the client error ratio.
func (s *Snapshotter) ReportRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

// ReportClientError counts one rate-limit style rejection (for example HTTP 429).
func (s *Snapshotter) ReportClientError() {
	s.mu.Lock()
	s.clientErrors++
	s.mu.Unlock()
}

// Sample reads the sampler, folds in lag and client errors, and records the result.
func (s *Snapshotter) Sample(ctx context.Context, lag time.Duration) (Snapshot, error) {
	cpuRatio, memRatio, err := s.sampler.Sample(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	var errRatio float64
	if s.requests > 0 {
		errRatio = float64(s.clientErrors) / float64(s.requests)
	}
	s.requests, s.clientErrors = 0, 0
	s.mu.Unlock()

	snap := Snapshot{
		At:               s.clock.Now(),
		CPURatio:         cpuRatio,
		MemoryRatio:      memRatio,
		LoopLag:          float64(max(0, lag)) / float64(s.cfg.MaxLoopLag),
		ClientErrorRatio: errRatio,
	}
	return s.Record(snap), nil
}

// Record classifies snap against the thresholds and appends it to the window.
func (s *Snapshotter) Record(snap Snapshot) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	exceeds := [4]bool{
		snap.CPURatio > s.cfg.MaxCPU,
		snap.MemoryRatio > s.cfg.MaxMemory,
		snap.LoopLag > 1,
		snap.ClientErrorRatio > s.cfg.MaxClientError,
	}
	var flags [4]bool
	for i, over := range exceeds {
		if over {
			s.streak[i]++
		} else {
			s.streak[i] = 0
		}
		flags[i] = s.streak[i] >= s.cfg.MinConsecutive
	}
	snap.Overloaded = Status{CPU: flags[0], Memory: flags[1], LoopLag: flags[2], ClientErrors: flags[3]}

	s.window = append(s.window, snap)
	if len(s.window) > s.cfg.WindowSize {
		s.window = s.window[len(s.window)-s.cfg.WindowSize:]
	}
	s.seq++
	return snap
}

// Latest returns the classification of the newest sample and the number of
// samples recorded so far. A zero count means nothing has been sampled.
func (s *Snapshotter) Latest() (Status, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) == 0 {
		return Status{}, s.seq
	}
	return s.window[len(s.window)-1].Overloaded, s.seq
}

// CurrentStatus returns the classification of the latest sample.
func (s *Snapshotter) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) == 0 {
		return Status{}
	}
	return s.window[len(s.window)-1].Overloaded
}

// HistoricalStatus flags resources overloaded in more than OverloadedRatio of the window.
func (s *Snapshotter) HistoricalStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.window)
	if n == 0 {
		return Status{}
	}
	var counts [4]int
	for _, snap := range s.window {
		for i, over := range []bool{snap.Overloaded.CPU, snap.Overloaded.Memory, snap.Overloaded.LoopLag, snap.Overloaded.ClientErrors} {
			if over {
				counts[i]++
			}
		}
	}
	ratio := func(c int) bool { return float64(c)/float64(n) > s.cfg.OverloadedRatio }
	return Status{CPU: ratio(counts[0]), Memory: ratio(counts[1]), LoopLag: ratio(counts[2]), ClientErrors: ratio(counts[3])}
}

// Window returns a copy of the retained samples, oldest first.
func (s *Snapshotter) Window() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.window))
	copy(out, s.window)
	return out
}

// Run samples every Interval until ctx ends. Loop lag is the tick drift.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			lag := now.Sub(last) - s.cfg.Interval
			last = now
			if _, err := s.Sample(ctx, lag); err != nil && ctx.Err() == nil {
				s.logger.Warn("resource sample failed", zap.Error(err))
			}
		}
	}
}
