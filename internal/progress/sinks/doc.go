// Package sinks implements progress consumers: structured logging and
// Prometheus counters.
package sinks
