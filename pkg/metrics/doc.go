/*
Package metrics exposes Prometheus instrumentation for the pipeline.

Package-level collectors cover case counts by status, GPU lock states,
step durations and retries, remote operation outcomes, worker pool
occupancy, and supervisor loop activity. A periodic Collector samples the
state store into the gauge families; counters and histograms are updated
inline at the call sites.

The package also tracks coarse component health (storage, remote host,
watcher) for the dashboard health endpoint.
*/
package metrics
