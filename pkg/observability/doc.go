// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, and health checks for the arbiter service.
package observability
