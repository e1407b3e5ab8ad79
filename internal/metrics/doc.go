// Package metrics exposes detector counters and histograms for Prometheus.
//
// Every Metrics value owns its registry, so several runs (or tests) in one
// process do not collide on the default registry. *Metrics satisfies the
// pipeline's Recorder interface.
package metrics
