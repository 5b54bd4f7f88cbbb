package uuid

import (
	"strings"
	"sync"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorProducesOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	parsed, err := goUUID.Parse(first)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.LessOrEqual(t, first, second)
}

func TestGeneratorPrefix(t *testing.T) {
	t.Parallel()

	id, err := WithPrefix("session_").NewID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "session_"))
	_, err = goUUID.Parse(strings.TrimPrefix(id, "session_"))
	require.NoError(t, err)
}

func TestSequenceConcurrent(t *testing.T) {
	t.Parallel()

	seq := NewSequence("s")
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _ := seq.NewID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, 20)
	require.True(t, seen["s1"])
	require.True(t, seen["s20"])
}
