// Package progress carries lookup lifecycle events from the dispatcher and
// its workers to pluggable sinks. Emit never blocks a worker: events are
// buffered, batched on a background goroutine, and dropped with a
// rate-limited warning when the buffer is full.
package progress
