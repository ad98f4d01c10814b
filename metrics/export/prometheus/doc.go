// Package prometheus renders goThreeDS engine metrics in Prometheus text format.
//
// [NewPrometheusExporter] accepts a [goThreeDS.Engine] and exposes an [http.Handler].
// Counter names are prefixed threeds_*_total; the single histogram is
// threeds_upstream_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount the Handler.
//   - Mutate engine state.
package prometheus
