// Package telemetry wires the OpenTelemetry tracer provider. Tracing is off
// unless an exporter is configured; components always call Tracer, which
// falls back to the global no-op provider.
package telemetry
