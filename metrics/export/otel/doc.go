// Package otel binds authflow metrics to OpenTelemetry observable
// instruments.
//
// [NewOTelExporter] registers one Int64ObservableCounter per counter and one
// Int64ObservableGauge per histogram bucket; a single callback reads the
// snapshot on each collection. Callers own the MeterProvider.
package otel
