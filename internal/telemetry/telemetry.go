// Package telemetry constructs the shared zap logger and Prometheus
// registry used across every component, matching the teacher's private
// per-process registry and structured-logging conventions.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Metrics bundles the counters and gauges every component reports into.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	AdminPulls         *prometheus.CounterVec
	AdminErrors        *prometheus.CounterVec
	DriverResolutions  *prometheus.CounterVec
	ConnectionFailures *prometheus.CounterVec
}

// NewMetrics builds a private registry and registers the standard Go
// collector plus this module's counters, mirroring setupMetrics() in the
// teacher's cmd/server/main.go.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsengine_cache_hits_total", Help: "Read requests served from a cache tier.",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsengine_cache_misses_total", Help: "Read requests that missed a cache tier.",
		}, []string{"tier"}),
		AdminPulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsengine_admin_pulls_total", Help: "Rows the cache admin newly inserted into a mirror table.",
		}, []string{"table"}),
		AdminErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsengine_admin_errors_total", Help: "Errors swallowed by a cache-admin loop iteration.",
		}, []string{"table"}),
		DriverResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsengine_driver_resolutions_total", Help: "Driver-proxy routing decisions.",
		}, []string{"table", "driver"}),
		ConnectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obsengine_connection_failures_total", Help: "Backend connection acquisition failures.",
		}, []string{"backend"}),
	}

	reg.MustRegister(m.CacheHits, m.CacheMisses, m.AdminPulls, m.AdminErrors, m.DriverResolutions, m.ConnectionFailures)
	return m
}

// NewLogger builds the process-wide structured logger, matching the
// teacher's zap.NewProduction() call in cmd/server/main.go.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
