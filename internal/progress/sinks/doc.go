// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, and terminal-run notifications through a publisher.
package sinks
