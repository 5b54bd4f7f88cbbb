// Package events fans crawl lifecycle signals out to registered listeners.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a lifecycle event.
type Kind string

// Lifecycle events.
const (
	// PersistState asks every stateful component to save itself.
	PersistState Kind = "persist_state"
	// Migrating announces the process is about to move; state should be flushed.
	Migrating Kind = "migrating"
	// Aborting announces the run is being torn down.
	Aborting Kind = "aborting"
)

// Event is delivered to listeners.
type Event struct {
	Kind Kind
	At   time.Time
	// Final is set on the last PersistState of a run.
	Final bool
}

// Listener reacts to an event. Errors are collected and returned from Emit.
type Listener func(ctx context.Context, ev Event) error

type subscription struct {
	id   uint64
	kind Kind
	fn   Listener
}

// Bus delivers events synchronously in registration order.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	closed bool
}

// New builds an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("events")}
}

// On registers fn for kind and returns a function that removes it.
func (b *Bus) On(kind Kind, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every listener for ev.Kind. A closed bus delivers nothing.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var targets []Listener
	for _, s := range b.subs {
		if s.kind == ev.Kind {
			targets = append(targets, s.fn)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, fn := range targets {
		if err := fn(ctx, ev); err != nil {
			b.logger.Warn("listener failed", zap.String("event", string(ev.Kind)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s listener: %w", ev.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// RunPersistTicker emits PersistState every interval until ctx ends.
func (b *Bus) RunPersistTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.Emit(ctx, Event{Kind: PersistState})
		}
	}
}

// Close drops all listeners. Later Emit calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
}
