// Package sinks implements progress consumers: Prometheus collectors,
// structured logs, a dataset writer, and a message publisher.
package sinks
