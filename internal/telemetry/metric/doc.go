// Package metric exposes the transport's operational counters in
// Prometheus format.
//
// The worker IO engine keeps per-worker counters on its hot path; the
// aggregation tick sums them once per second and publishes the sums
// here. Metric names preserve the historical stat names so existing
// dashboards keep working.
package metric
