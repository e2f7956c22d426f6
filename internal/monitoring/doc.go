// Package monitoring collects kernel metrics with Prometheus.
//
// Each kernel owns a private registry; callers that want to expose it can
// hand Registry() to promhttp.HandlerFor.
package monitoring
