// Package progress carries run lifecycle events from the dispatcher to
// pluggable sinks. The Hub batches events on a background goroutine so the
// dispatch path never blocks on logging, metrics, or notification delivery.
package progress
