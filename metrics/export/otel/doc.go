// Package otel binds goThreeDS engine metrics to OpenTelemetry instruments.
//
// [NewOTelExporter] registers an Int64ObservableCounter per engine counter.
// Each latency histogram becomes a <name>_bucket gauge with one point per
// "le" bound, plus a <name>_count gauge. One callback takes a single
// [goThreeDS.Engine.MetricsSnapshot] per collection and reports every
// instrument from it.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider; callers supply the Meter.
//   - Mutate engine state.
package otel
