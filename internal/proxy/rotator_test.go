package proxy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestNextURLRoundRobin(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"http://a:8080", "http://b:8080"})
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:8080", "http://b:8080", "http://a:8080"},
		[]string{r.NextURL(), r.NextURL(), r.NextURL()})
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	tests := []string{"a:8080", "://broken", "http://"}
	for _, raw := range tests {
		_, err := New([]string{raw})
		require.ErrorIs(t, err, crawler.ErrValidation, raw)
	}
}

func TestEmptyRotatorMeansDirect(t *testing.T) {
	t.Parallel()

	r, err := New(nil)
	require.NoError(t, err)
	require.Empty(t, r.NextURL())
	require.Empty(t, r.URLFor("s1"))
	require.Zero(t, r.Pinned())
}

func TestSessionPinning(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"http://a:1", "http://b:1"})
	require.NoError(t, err)

	s1 := r.URLFor("s1")
	s2 := r.URLFor("s2")
	require.Equal(t, "http://a:1", s1)
	require.Equal(t, "http://b:1", s2)
	require.Equal(t, s1, r.URLFor("s1"))
	require.Equal(t, 2, r.Pinned())

	r.Release("s1")
	require.Equal(t, 1, r.Pinned())
	require.Equal(t, "http://a:1", r.URLFor("s1"))

	r.Pin("restored", "http://b:1")
	require.Equal(t, "http://b:1", r.URLFor("restored"))
}

func TestConcurrentPinsAreStable(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"http://a:1", "http://b:1", "http://c:1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make([]string, 20)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.URLFor("shared")
		}()
	}
	wg.Wait()
	for _, u := range got {
		require.Equal(t, got[0], u)
	}
}
