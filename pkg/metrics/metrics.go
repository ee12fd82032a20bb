// Package metrics exposes the Prometheus collectors for the agent engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvm",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of program runs by outcome.",
		},
		[]string{"status"},
	)

	fuelUsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentvm",
			Subsystem: "engine",
			Name:      "fuel_used_total",
			Help:      "Total fuel debited across all runs.",
		},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentvm",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Duration of program runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"status"},
	)

	atomExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvm",
			Subsystem: "engine",
			Name:      "atom_executions_total",
			Help:      "Total number of atom executions by opcode.",
		},
		[]string{"op"},
	)

	storedProcedures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentvm",
			Subsystem: "procedures",
			Name:      "stored",
			Help:      "Current number of stored procedures.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentvm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		runsTotal,
		fuelUsed,
		runDuration,
		atomExecutions,
		storedProcedures,
		httpRequests,
		httpDuration,
		collectors.NewGoCollector(),
	)
}

// ObserveRun records the outcome of one program run.
func ObserveRun(status string, fuel float64, seconds float64) {
	runsTotal.WithLabelValues(status).Inc()
	if fuel > 0 {
		fuelUsed.Add(fuel)
	}
	runDuration.WithLabelValues(status).Observe(seconds)
}

// ObserveAtom records one atom execution.
func ObserveAtom(op string) {
	atomExecutions.WithLabelValues(op).Inc()
}

// SetStoredProcedures updates the stored-procedure gauge.
func SetStoredProcedures(n int) {
	storedProcedures.Set(float64(n))
}

// ObserveHTTP records one handled HTTP request.
func ObserveHTTP(method, path string, status int, seconds float64) {
	httpRequests.WithLabelValues(method, path, httpStatusLabel(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(seconds)
}

// Handler returns an http.Handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
