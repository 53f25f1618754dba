// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the Phoenix orchestrator. All components receive
// their logger from here; nothing logs through the standard library.
package telemetry
