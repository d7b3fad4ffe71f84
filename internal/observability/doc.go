// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for wardlink components.
//
// Loggers are plain *slog.Logger values whose handler masks bearer tokens,
// JWTs and password fields before records reach the output. Metrics are
// registered on a caller-supplied prometheus.Registerer so tests and
// embedders can keep registries isolated. A nil *Metrics or *Tracer is a
// valid no-op, which lets components accept them as optional dependencies.
package observability
