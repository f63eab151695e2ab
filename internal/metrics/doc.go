// Package metrics exposes prometheus instrumentation for the cache layer:
// request admission and finalization counters, per-task outcomes, byte
// throughput, queue depth and connection pool gauges.
//
// A nil *Collector is a valid no-op sink, so components never need to
// guard their observations.
package metrics
