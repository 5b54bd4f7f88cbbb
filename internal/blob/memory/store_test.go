package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := New()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "exports/items.jsonl", "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://exports/items.jsonl", uri)

	payload[0] = 'C'
	data, contentType, ok := store.Object("exports/items.jsonl")
	require.True(t, ok)
	require.Equal(t, "content", string(data))
	require.Equal(t, "application/x-ndjson", contentType)
}

func TestPathsSorted(t *testing.T) {
	t.Parallel()

	store := New()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", strings.NewReader(p))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Paths())

	_, err := store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
	_, _, ok := store.Object("missing")
	require.False(t, ok)
}
