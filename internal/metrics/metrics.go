// Package metrics exposes Prometheus instrumentation for the recommendation flow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pillpipe"

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flow_transitions_total",
		Help:      "Flow controller phase transitions.",
	}, []string{"from", "to"})

	metricGatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_requests_total",
		Help:      "Remote operations issued by the gateway, by outcome.",
	}, []string{"operation", "outcome"})

	metricGatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of remote operations.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90, 180},
	}, []string{"operation"})

	metricStaleResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_results_discarded_total",
		Help:      "Settled remote operations discarded because their run was no longer live.",
	}, []string{"operation"})

	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Finished runs by outcome.",
	}, []string{"outcome"})

	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently held by the API server.",
	})
)

// RecordTransition counts a phase change.
func RecordTransition(from, to string) {
	metricTransitions.WithLabelValues(from, to).Inc()
}

// ObserveGatewayCall records one remote operation and its latency.
func ObserveGatewayCall(operation string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metricGatewayRequests.WithLabelValues(operation, outcome).Inc()
	metricGatewayLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordStaleResult counts a result dropped by the run-generation guard.
func RecordStaleResult(operation string) {
	metricStaleResults.WithLabelValues(operation).Inc()
}

// RecordRunFinished counts a finished run.
func RecordRunFinished(outcome string) {
	metricRuns.WithLabelValues(outcome).Inc()
}

// SetActiveSessions publishes the current session count.
func SetActiveSessions(n int) {
	metricActiveSessions.Set(float64(n))
}
