package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitInRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := New(nil)
	var order []string
	b.On(PersistState, func(context.Context, Event) error { order = append(order, "first"); return nil })
	b.On(Aborting, func(context.Context, Event) error { order = append(order, "abort"); return nil })
	b.On(PersistState, func(_ context.Context, ev Event) error {
		order = append(order, "second")
		require.False(t, ev.At.IsZero())
		return nil
	})

	require.NoError(t, b.Emit(context.Background(), Event{Kind: PersistState}))
	require.Equal(t, []string{"first", "second"}, order)
}

func TestEmitJoinsErrors(t *testing.T) {
	t.Parallel()

	b := New(nil)
	boom := errors.New("boom")
	called := 0
	b.On(Migrating, func(context.Context, Event) error { called++; return boom })
	b.On(Migrating, func(context.Context, Event) error { called++; return nil })

	err := b.Emit(context.Background(), Event{Kind: Migrating})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, called)
}

func TestUnsubscribeAndClose(t *testing.T) {
	t.Parallel()

	b := New(nil)
	var hits atomic.Int32
	off := b.On(PersistState, func(context.Context, Event) error { hits.Add(1); return nil })
	b.On(PersistState, func(context.Context, Event) error { hits.Add(10); return nil })

	off()
	require.NoError(t, b.Emit(context.Background(), Event{Kind: PersistState}))
	require.Equal(t, int32(10), hits.Load())

	b.Close()
	require.NoError(t, b.Emit(context.Background(), Event{Kind: PersistState}))
	require.Equal(t, int32(10), hits.Load())

	b.On(PersistState, func(context.Context, Event) error { hits.Add(100); return nil })()
	require.NoError(t, b.Emit(context.Background(), Event{Kind: PersistState}))
	require.Equal(t, int32(10), hits.Load())
}

func TestPersistTicker(t *testing.T) {
	t.Parallel()

	b := New(nil)
	var hits atomic.Int32
	b.On(PersistState, func(context.Context, Event) error { hits.Add(1); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.RunPersistTicker(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
