package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/events"
	"github.com/JakeFAU/crawl-orchestrator/internal/kvstore"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
	cpu time.Duration
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) CPU() (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu, nil
}

func (f *fakeTime) advance(wall, cpu time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(wall)
	f.cpu += cpu
	f.mu.Unlock()
}

type parseError struct{ line int }

func (e *parseError) Error() string { return fmt.Sprintf("line %d", e.line) }

func newStats(t *testing.T, opts ...Option) (*Statistics, *fakeTime) {
	t.Helper()
	ft := &fakeTime{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithNow(ft.Now), WithCPUTimer(ft.CPU)}, opts...)
	s, err := New(context.Background(), DefaultConfig(), opts...)
	require.NoError(t, err)
	return s, ft
}

func TestClassify(t *testing.T) {
	t.Parallel()

	blocked := fmt.Errorf("fetch: %w", &crawler.BlockedError{StatusCode: 403})
	require.Equal(t, "blocked", Classify(blocked))
	require.Equal(t, "timeout", Classify(crawler.NewTimeoutError("acquire", context.DeadlineExceeded)))
	require.Equal(t, "*stats.parseError", Classify(fmt.Errorf("read: %w", &parseError{line: 3})))
	require.Equal(t, "*errors.errorString", Classify(fmt.Errorf("a: %w", fmt.Errorf("b: %w", errors.New("root")))))
	require.Empty(t, Classify(nil))
}

func TestErrorTrackerGroups(t *testing.T) {
	t.Parallel()

	tr := NewErrorTracker()
	tr.Add(&crawler.BlockedError{StatusCode: 429})
	tr.Add(&crawler.BlockedError{StatusCode: 403})
	tr.Add(errors.New("boom"))
	tr.Add(nil)

	require.Equal(t, 3, tr.Total())
	require.Equal(t, 2, tr.UniqueErrorCount())
	require.Equal(t, []ErrorGroup{
		{Key: "blocked", Count: 2},
		{Key: "*errors.errorString", Count: 1},
	}, tr.Groups())
}

func TestJobDurations(t *testing.T) {
	t.Parallel()

	s, ft := newStats(t)
	s.StartJob("a")
	ft.advance(2*time.Second, 100*time.Millisecond)
	require.Equal(t, 2*time.Second, s.FinishJob("a"))

	s.StartJob("b")
	ft.advance(4*time.Second, 300*time.Millisecond)
	s.FinishJob("b")

	require.Zero(t, s.FinishJob("unknown"))

	sum := s.Summary()
	require.Equal(t, 2, sum.RequestsFinished)
	require.Equal(t, 2*time.Second, sum.RequestMinDuration)
	require.Equal(t, 4*time.Second, sum.RequestMaxDuration)
	require.Equal(t, 3*time.Second, sum.RequestAvgDuration)
	require.Equal(t, 200*time.Millisecond, sum.RequestAvgCPU)
	require.Equal(t, 6*time.Second, sum.Runtime)
	require.InDelta(t, 20.0, sum.RequestsFinishedPerMinute, 1e-9)
}

func TestDurationsNeverNegative(t *testing.T) {
	t.Parallel()

	s, ft := newStats(t)
	s.StartJob("a")
	ft.advance(-time.Second, -time.Second)
	require.Zero(t, s.FinishJob("a"))
	require.Zero(t, s.Summary().RequestTotalCPU)
}

func TestRetriesAndFailures(t *testing.T) {
	t.Parallel()

	s, _ := newStats(t)
	s.StartJob("a")
	s.RegisterRetry("a", errors.New("flaky"))
	s.StartJob("a")
	s.RegisterRetry("a", errors.New("flaky"))
	s.StartJob("a")
	s.FinishJob("a")

	s.StartJob("b")
	s.FinishJob("b")

	s.StartJob("c")
	s.RegisterRetry("c", &crawler.BlockedError{StatusCode: 403})
	s.FailJob("c", &crawler.BlockedError{StatusCode: 403})

	sum := s.Summary()
	require.Equal(t, 3, sum.RequestsRetries)
	require.Equal(t, 1, sum.RequestsFailed)
	require.Equal(t, []int{1, 1, 1}, sum.RetryHistogram)
	require.Equal(t, []ErrorGroup{{Key: "blocked", Count: 1}}, sum.Errors)
	require.Equal(t, 2, s.RetryErrors().UniqueErrorCount())

	failed := s.FailedRequests()
	require.Len(t, failed, 1)
	require.Equal(t, "c", failed[0].ID)
	require.Contains(t, failed[0].Error, "blocked")
}

func TestPersistAndResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := storage.NewManager(memory.NewClient(), storage.ManagerConfig{}, nil)
	store, err := kvstore.Open(ctx, m, storage.OpenOptions{Name: "stats"})
	require.NoError(t, err)

	s, ft := newStats(t, WithStore(store))
	s.StartJob("a")
	ft.advance(time.Second, 0)
	s.FinishJob("a")
	s.FailJob("b", errors.New("gone"))

	bus := events.New(nil)
	s.Subscribe(bus)
	require.NoError(t, bus.Emit(ctx, events.Event{Kind: events.PersistState}))

	resumed, ft2 := newStats(t, WithStore(store))
	ft2.advance(time.Second, 0)
	sum := resumed.Summary()
	require.Equal(t, 1, sum.RequestsFinished)
	require.Equal(t, 1, sum.RequestsFailed)
	require.Equal(t, 2*time.Second, sum.Runtime)
	require.Equal(t, 1, resumed.Errors().Total())
	require.Len(t, resumed.FailedRequests(), 1)
}

func TestProcessCPUTime(t *testing.T) {
	t.Parallel()

	d, err := ProcessCPUTime()()
	require.NoError(t, err)
	require.GreaterOrEqual(t, d, time.Duration(0))
}
