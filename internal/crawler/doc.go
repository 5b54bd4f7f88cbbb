// Package crawler defines the request model, capability interfaces, and
// error taxonomy shared by the queue, session pool, fetchers, and
// orchestrator.
package crawler
