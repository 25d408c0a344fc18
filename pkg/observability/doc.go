// Package observability provides structured logging, Prometheus metrics,
// health checks, panic recovery, and graceful shutdown for modelgate.
//
// The Logger is a thin wrapper over log/slog emitting JSON. Metrics are
// registered on an explicit *prometheus.Registry passed in at construction
// time; there is no global registry use so tests can run in parallel.
// HealthChecker probes the credential store and the optional Redis cache
// and distinguishes unhealthy (store down, serving must stop) from degraded
// (cache down, requests still served from the store).
package observability
