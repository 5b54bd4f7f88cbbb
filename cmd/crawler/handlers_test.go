package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePage(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><title> Milk 1L </title></head><body>
<a href="/p/2">next</a>
<a href="/p/2#reviews">dup</a>
<a href="https://other.example/x">other</a>
<a href="mailto:shop@example.com">mail</a>
<a href="../up">up</a>
</body></html>`)

	p, err := parsePage(body, "https://shop.example/p/1")
	require.NoError(t, err)
	require.Equal(t, "Milk 1L", p.title)
	require.Equal(t, []string{
		"https://shop.example/p/2",
		"https://other.example/x",
		"https://shop.example/up",
	}, p.links)

	require.Equal(t, []string{
		"https://shop.example/p/2",
		"https://shop.example/up",
	}, sameHost("https://shop.example/p/1", p.links))
}

func TestIntFrom(t *testing.T) {
	t.Parallel()

	data := map[string]any{"a": 2, "b": float64(3), "c": int64(4), "d": "5"}
	require.Equal(t, 2, intFrom(data, "a"))
	require.Equal(t, 3, intFrom(data, "b"))
	require.Equal(t, 4, intFrom(data, "c"))
	require.Zero(t, intFrom(data, "d"))
	require.Zero(t, intFrom(nil, "a"))
}
