// Package prometheus renders authflow metrics in the Prometheus text
// exposition format.
//
// Counters are named authflow_*_total; the login latency histogram is
// authflow_login_latency_seconds. Nothing is registered globally: callers
// mount [PrometheusExporter.Handler] where they want it.
package prometheus
