// Package stats aggregates request timings and error counts for a crawl.
package stats

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ErrorGroup counts errors sharing a classification label.
type ErrorGroup struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ErrorTracker groups errors by label. Only counts are kept.
type ErrorTracker struct {
	mu     sync.Mutex
	groups map[string]int
	total  int
}

// NewErrorTracker returns an empty tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{groups: make(map[string]int)}
}

// Classify labels err by the first crawler.Classifier in its chain, or by the
// dynamic type of the innermost wrapped error.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var c crawler.Classifier
	if errors.As(err, &c) {
		return c.Category()
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%T", inner)
}

// Add records err. A nil error is ignored.
func (t *ErrorTracker) Add(err error) {
	if err == nil {
		return
	}
	key := Classify(err)
	t.mu.Lock()
	t.groups[key]++
	t.total++
	t.mu.Unlock()
}

// Total returns how many errors were recorded.
func (t *ErrorTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// UniqueErrorCount returns the number of distinct labels.
func (t *ErrorTracker) UniqueErrorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}

// Groups returns labels ordered by count, most frequent first.
func (t *ErrorTracker) Groups() []ErrorGroup {
	t.mu.Lock()
	out := make([]ErrorGroup, 0, len(t.groups))
	for k, v := range t.groups {
		out = append(out, ErrorGroup{Key: k, Count: v})
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b ErrorGroup) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

func (t *ErrorTracker) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.groups)
}

func (t *ErrorTracker) load(groups map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups = make(map[string]int, len(groups))
	t.total = 0
	for k, v := range groups {
		t.groups[k] = v
		t.total += v
	}
}
