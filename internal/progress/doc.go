// Package progress carries crawl progress events from the orchestrator to
// pluggable sinks. Events are batched on a background goroutine so emitting
// never blocks a crawl task.
package progress
