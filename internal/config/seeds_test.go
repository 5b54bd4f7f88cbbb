package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestLoadSeedsMergesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seeds.json5")
	require.NoError(t, os.WriteFile(path, []byte(`[
  // category listing
  {url: "https://shop.example/list", label: "LIST"},
  {
    url: "https://shop.example/api/search",
    method: "POST",
    payload: '{"q":"milk"}',
    headers: {"Content-Type": "application/json"},
    user_data: {store: "north"},
  },
]`), 0o600))

	defaults := Seed{
		URL:      "https://ignored.example",
		Label:    "DETAIL",
		Headers:  map[string]string{"Accept-Language": "en-US"},
		UserData: map[string]any{"country": "us"},
	}
	seeds, err := LoadSeeds(path, defaults)
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	require.Equal(t, "https://shop.example/list", seeds[0].URL)
	require.Equal(t, "LIST", seeds[0].Label)
	require.Equal(t, "en-US", seeds[0].Headers["Accept-Language"])

	require.Equal(t, "DETAIL", seeds[1].Label)
	require.Equal(t, "POST", seeds[1].Method)
	require.Equal(t, map[string]string{
		"Content-Type":    "application/json",
		"Accept-Language": "en-US",
	}, seeds[1].Headers)
	require.Equal(t, "north", seeds[1].UserData["store"])
	require.Equal(t, "us", seeds[1].UserData["country"])

	require.Len(t, defaults.Headers, 1, "defaults are not mutated")
}

func TestLoadSeedsErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := LoadSeeds(filepath.Join(dir, "none.json5"), Seed{})
	require.ErrorContains(t, err, "read seeds")

	bad := filepath.Join(dir, "bad.json5")
	require.NoError(t, os.WriteFile(bad, []byte(`[{url: `), 0o600))
	_, err = LoadSeeds(bad, Seed{})
	require.ErrorIs(t, err, crawler.ErrValidation)

	missing := filepath.Join(dir, "missing.json5")
	require.NoError(t, os.WriteFile(missing, []byte(`[{label: "LIST"}]`), 0o600))
	_, err = LoadSeeds(missing, Seed{})
	require.ErrorIs(t, err, crawler.ErrValidation)
}

func TestRequestsFromSeeds(t *testing.T) {
	t.Parallel()

	reqs, err := Requests([]Seed{
		{URL: "https://shop.example/a", Label: "LIST"},
		{URL: "https://shop.example/b", Method: "post", Payload: "x=1", NoRetry: true, UniqueKey: "b"},
		{URL: "https://shop.example/a", Headers: map[string]string{"x-token": "t"}},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 3)

	require.Equal(t, "LIST", reqs[0].Label)
	require.Equal(t, "POST", reqs[1].Method)
	require.True(t, reqs[1].NoRetry)
	require.Equal(t, "b", reqs[1].UniqueKey)
	require.Equal(t, "t", reqs[2].Headers.Get("X-Token"))
	require.Equal(t, reqs[0].UniqueKey, reqs[2].UniqueKey, "headers are not part of the key by default")

	_, err = Requests([]Seed{{URL: "::not a url"}})
	require.Error(t, err)
}
