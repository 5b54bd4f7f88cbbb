// Package api hosts the HTTP status server of a crawl. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats, /v1/errors, /v1/queue, /v1/concurrency and /v1/sessions
//     for live run state.
//   - GET /v1/failed and /v1/items for paged failures and results.
//   - POST /v1/requests to enqueue more URLs into the running crawl.
package api
