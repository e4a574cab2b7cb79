// Package metrics exposes Prometheus counters for the command queue and
// instance state machine.
package metrics
