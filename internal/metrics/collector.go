// Package metrics exposes Prometheus metrics for podserve.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Service lifecycle metrics
	ServiceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_service_up",
			Help: "Service status (1=running, 0=stopped)",
		},
		[]string{"service"},
	)

	ServiceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_service_state",
			Help: "Current lifecycle state (1 for the active state)",
		},
		[]string{"service", "state"},
	)

	SupervisorUptime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_supervisor_uptime_seconds",
			Help: "Supervisor uptime in seconds",
		},
		[]string{"service"},
	)

	// Tracked process metrics
	ProcessStartTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_process_start_time_seconds",
			Help: "Unix timestamp when a tracked process started",
		},
		[]string{"service", "process"},
	)

	ProcessExitCode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_process_last_exit_code",
			Help: "Last exit code of a tracked process",
		},
		[]string{"service", "process"},
	)

	// Health check metrics
	HealthCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_health_check_status",
			Help: "Health check status (1=healthy, 0=unhealthy)",
		},
		[]string{"service", "check"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podserve_health_check_duration_seconds",
			Help:    "Health check duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"service", "check"},
	)

	HealthCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podserve_health_check_total",
			Help: "Total number of health checks performed",
		},
		[]string{"service", "check", "status"}, // status: success, failure
	)

	// Build info
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_build_info",
			Help: "Build information",
		},
		[]string{"version", "service"},
	)
)

// RecordHealthCheck records one health check observation.
func RecordHealthCheck(service, check string, durationSeconds float64, success bool) {
	HealthCheckDuration.WithLabelValues(service, check).Observe(durationSeconds)
	if success {
		HealthCheckStatus.WithLabelValues(service, check).Set(1)
		HealthCheckTotal.WithLabelValues(service, check, "success").Inc()
	} else {
		HealthCheckStatus.WithLabelValues(service, check).Set(0)
		HealthCheckTotal.WithLabelValues(service, check, "failure").Inc()
	}
}

// SetServiceState marks state as the active lifecycle state for service.
func SetServiceState(service, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ServiceState.WithLabelValues(service, s).Set(v)
	}
}

// RecordProcessExit records the exit code of a tracked process.
func RecordProcessExit(service, process string, exitCode int) {
	ProcessExitCode.WithLabelValues(service, process).Set(float64(exitCode))
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, service string) {
	BuildInfo.WithLabelValues(version, service).Set(1)
}
