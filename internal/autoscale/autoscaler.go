package autoscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config bounds concurrency.
type Config struct {
	Min               int           `mapstructure:"min"`
	Max               int           `mapstructure:"max"`
	Desired           int           `mapstructure:"desired"`
	ScaleUpStep       int           `mapstructure:"scale_up_step"`
	ScaleDownStep     int           `mapstructure:"scale_down_step"`
	MaxTasksPerMinute int           `mapstructure:"max_tasks_per_minute"`
	Interval          time.Duration `mapstructure:"autoscale_interval"`
}

// DefaultConfig returns the standard concurrency bounds.
func DefaultConfig() Config {
	return Config{
		Min:           1,
		Max:           8,
		ScaleUpStep:   1,
		ScaleDownStep: 1,
		Interval:      time.Second,
	}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.Min < 1 {
		return fmt.Errorf("%w: concurrency min must be >= 1", crawler.ErrValidation)
	}
	if c.Min > c.Max {
		return fmt.Errorf("%w: concurrency min %d exceeds max %d", crawler.ErrValidation, c.Min, c.Max)
	}
	if c.MaxTasksPerMinute < 0 {
		return fmt.Errorf("%w: max_tasks_per_minute must be >= 0", crawler.ErrValidation)
	}
	return nil
}

// State is a snapshot of the concurrency controls.
type State struct {
	Current       int  `json:"current"`
	Desired       int  `json:"desired"`
	Min           int  `json:"min"`
	Max           int  `json:"max"`
	ScaleUpStep   int  `json:"scale_up_step"`
	ScaleDownStep int  `json:"scale_down_step"`
	InFlight      int  `json:"in_flight"`
	Paused        bool `json:"paused"`
}

// ScaleFunc observes changes to the concurrency limit.
type ScaleFunc func(prev, next int, status Status)

// Autoscaler hands out task slots up to a limit that follows resource pressure.
type Autoscaler struct {
	cfg     Config
	snap    *Snapshotter
	limiter *rate.Limiter
	logger  *zap.Logger
	onScale ScaleFunc

	mu       sync.Mutex
	lastSeq  uint64
	current  int
	desired  int
	inFlight int
	paused   bool
	changed  chan struct{}
}

// New validates cfg and starts at Desired, or Min when Desired is unset.
func New(cfg Config, snap *Snapshotter, logger *zap.Logger) (*Autoscaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshotter is required", crawler.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScaleUpStep <= 0 {
		cfg.ScaleUpStep = 1
	}
	if cfg.ScaleDownStep <= 0 {
		cfg.ScaleDownStep = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	start := cfg.Desired
	if start == 0 {
		start = cfg.Min
	}
	start = clamp(start, cfg.Min, cfg.Max)
	a := &Autoscaler{
		cfg:     cfg,
		snap:    snap,
		logger:  logger.Named("autoscaler"),
		current: start,
		desired: start,
		changed: make(chan struct{}),
	}
	if cfg.MaxTasksPerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxTasksPerMinute)), 1)
	}
	return a, nil
}

// OnScale registers fn to run after each change of the limit.
func (a *Autoscaler) OnScale(fn ScaleFunc) {
	a.mu.Lock()
	a.onScale = fn
	a.mu.Unlock()
}

// Snapshotter returns the resource source driving the scaler.
func (a *Autoscaler) Snapshotter() *Snapshotter { return a.snap }

// Tick adjusts the limit once per new sample: up when nothing is overloaded,
// down when anything is. Without a sample newer than the last one acted on
// the limit holds.
func (a *Autoscaler) Tick() State {
	status, seq := a.snap.Latest()
	a.mu.Lock()
	if seq == a.lastSeq {
		state := a.stateLocked()
		a.mu.Unlock()
		return state
	}
	a.lastSeq = seq
	prev := a.current
	switch {
	case !status.Any() && a.current < a.cfg.Max:
		a.current = min(a.cfg.Max, a.current+a.cfg.ScaleUpStep)
	case status.Any() && a.current > a.cfg.Min:
		a.current = max(a.cfg.Min, a.current-a.cfg.ScaleDownStep)
	}
	a.desired = a.current
	next := a.current
	hook := a.onScale
	if next != prev {
		a.notifyLocked()
	}
	state := a.stateLocked()
	a.mu.Unlock()

	if next != prev {
		a.logger.Debug("concurrency changed",
			zap.Int("from", prev),
			zap.Int("to", next),
			zap.Bool("overloaded", status.Any()),
		)
		if hook != nil {
			hook(prev, next, status)
		}
	}
	return state
}

// Acquire blocks until a slot is free and the task rate allows another start.
// On cancellation it returns a crawler.TimeoutError and holds nothing.
func (a *Autoscaler) Acquire(ctx context.Context) error {
	for {
		a.mu.Lock()
		if !a.paused && a.inFlight < a.current {
			a.inFlight++
			a.mu.Unlock()
			break
		}
		wait := a.changed
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.NewTimeoutError("acquire slot", ctx.Err())
		case <-wait:
		}
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			a.Release()
			return crawler.NewTimeoutError("task rate", err)
		}
	}
	return nil
}

// Release frees one held slot. Extra calls never drive the count negative.
func (a *Autoscaler) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight > 0 {
		a.inFlight--
	}
	a.notifyLocked()
}

// Pause stops new slots from being granted.
func (a *Autoscaler) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// Resume lifts Pause.
func (a *Autoscaler) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
	a.notifyLocked()
}

// State returns the current controls.
func (a *Autoscaler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

// Run ticks every Interval until ctx ends.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

func (a *Autoscaler) stateLocked() State {
	return State{
		Current:       a.current,
		Desired:       a.desired,
		Min:           a.cfg.Min,
		Max:           a.cfg.Max,
		ScaleUpStep:   a.cfg.ScaleUpStep,
		ScaleDownStep: a.cfg.ScaleDownStep,
		InFlight:      a.inFlight,
		Paused:        a.paused,
	}
}

func (a *Autoscaler) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
