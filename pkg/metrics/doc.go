/*
Package metrics exposes Prometheus metrics and health endpoints for hutch.

All metrics are registered on the default registry at package init and served
by Handler. NewMux bundles them with the JSON health endpoints:

	/metrics   Prometheus text exposition
	/health    200 unless a registered component is unhealthy
	/ready     200 once the engine and store components are healthy
	/live      200 while the process serves requests

# Metrics

Namespaces:

	hutch_namespaces_total{status}           gauge, from the Collector
	hutch_apps_total{namespace,status}       gauge, from the Collector
	hutch_reconcile_passes_total{namespace}  counter
	hutch_app_transitions_total{status}      counter

Actions:

	hutch_pulls_in_flight                    gauge, pull limiter slots held
	hutch_pull_attempts_total{result}        counter
	hutch_pull_limiter_wait_seconds          histogram
	hutch_action_duration_seconds{action}    histogram
	hutch_actions_total{action,result}       counter
	hutch_containers_created_total           counter
	hutch_probe_failures_total{type}         counter

# Timing

	timer := metrics.NewTimer()
	err := executor.Execute(ctx, target)
	timer.ObserveDurationVec(metrics.ActionDuration, "pull")
	metrics.ActionsTotal.WithLabelValues("pull", metrics.Result(err)).Inc()

# Collector

Collector polls a Source every 15 seconds and rebuilds the namespace and
application gauges. It also marks the reconciler component unhealthy while a
namespace is stalled.
*/
package metrics
