// Package telemetry wires the OpenTelemetry SDK for fedrun processes and
// provides the span helpers used around run transitions and node pipeline
// stages. With telemetry disabled the global providers stay noop.
package telemetry
