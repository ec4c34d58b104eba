// Package metrics defines the Prometheus instrumentation for the BLE link:
// audio frame and batch counters, transfer protocol counters, and link state.
package metrics
