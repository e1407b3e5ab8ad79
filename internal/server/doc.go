// Package server implements the optional HTTP status API served while a
// detection run is in progress: health, run statistics, the effective
// configuration and Prometheus metrics.
package server
