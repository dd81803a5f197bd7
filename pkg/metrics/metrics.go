package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Namespace metrics
	NamespacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_namespaces_total",
			Help: "Total number of registered namespaces by status",
		},
		[]string{"status"},
	)

	AppsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_apps_total",
			Help: "Total number of applications by namespace and status",
		},
		[]string{"namespace", "status"},
	)

	ReconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_reconcile_passes_total",
			Help: "Total number of reconciliation passes by namespace",
		},
		[]string{"namespace"},
	)

	AppTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_app_transitions_total",
			Help: "Total number of application status transitions by target status",
		},
		[]string{"status"},
	)

	// Pull metrics
	PullsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_pulls_in_flight",
			Help: "Number of image pulls holding a pull limiter slot",
		},
	)

	PullAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_pull_attempts_total",
			Help: "Total number of image pull attempts by result",
		},
		[]string{"result"},
	)

	PullWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_pull_limiter_wait_seconds",
			Help:    "Time spent waiting for a pull limiter slot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Action metrics
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_action_duration_seconds",
			Help:    "Action duration in seconds by action",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"action"},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_actions_total",
			Help: "Total number of finished actions by action and result",
		},
		[]string{"action", "result"},
	)

	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_containers_created_total",
			Help: "Total number of containers created",
		},
	)

	ProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_probe_failures_total",
			Help: "Total number of startup conditions that gave up by probe type",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NamespacesTotal)
	prometheus.MustRegister(AppsTotal)
	prometheus.MustRegister(ReconcilePasses)
	prometheus.MustRegister(AppTransitions)
	prometheus.MustRegister(PullsInFlight)
	prometheus.MustRegister(PullAttempts)
	prometheus.MustRegister(PullWait)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ProbeFailures)
}

// Result returns the result label for an action outcome
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
