package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRunExportInspect(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/a">a</a><a href="/b">b</a></body></html>`)
		default:
			fmt.Fprintf(w, `<html><head><title>%s</title></head><body><a href="/">home</a></body></html>`, r.URL.Path)
		}
	}))
	t.Cleanup(site.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "crawler.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
logging:
  development: false
storage:
  backend: filesystem
  dir: %s
export:
  backend: memory
fetch:
  respect_robots: false
  timeout: 5s
concurrency:
  max: 2
`, filepath.Join(dir, "storage"))), 0o600))

	out, err := execute(t, "--config", cfgPath, "run", "--seed", site.URL+"/", "--max-depth", "1", "--label", "PAGE")
	require.NoError(t, err, out)
	require.Contains(t, out, "3 finished, 0 failed")

	out, err = execute(t, "--config", cfgPath, "export", "--format", "jsonl")
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	titles := map[string]bool{}
	for _, line := range lines {
		var rec pageRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		require.Equal(t, "PAGE", rec.Label)
		require.Equal(t, http.StatusOK, rec.Status)
		titles[rec.Title] = true
	}
	require.Equal(t, map[string]bool{"Home": true, "/a": true, "/b": true}, titles)

	out, err = execute(t, "--config", cfgPath, "inspect")
	require.NoError(t, err, out)
	require.Contains(t, out, "Storage")
	require.Contains(t, out, "requests finished")
}

func TestRunWithoutSeedsFails(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  development: false\n"), 0o600))

	_, err := execute(t, "--config", cfgPath, "run")
	require.ErrorContains(t, err, "no seeds")
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  development: false\n"), 0o600))

	_, err := execute(t, "--config", cfgPath, "export", "--format", "xml")
	require.ErrorContains(t, err, "unsupported export format")
}

func TestBadConfigFails(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "inspect")
	require.ErrorContains(t, err, "read config")
}
