// Package metrics defines the Prometheus collectors the dispatcher,
// processor, and inbound API publish.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DispatcherTickDuration measures one full dispatcher tick: find_due
	// plus waiting for every spawned Processor task to finish.
	DispatcherTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "rollout_dispatcher_tick_duration_seconds",
		Help: "Duration of one dispatcher tick, including find_due and fan-out drain.",
	})

	// DispatcherDueWorkflows records how many workflows find_due returned
	// on the most recent tick.
	DispatcherDueWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rollout_dispatcher_due_workflows",
		Help: "Number of workflows returned by the most recent find_due call.",
	})

	// ProcessorOutcomes counts Processor ticks by outcome: committed,
	// conditional_check_failed, transient_error, unexpected_error.
	ProcessorOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_processor_outcomes_total",
		Help: "Count of Processor tick outcomes.",
	}, []string{"outcome"})

	// CIClientCallDuration measures CI provider HTTP calls by operation.
	CIClientCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rollout_ci_client_call_duration_seconds",
		Help: "Duration of CI provider HTTP calls, by operation.",
	}, []string{"operation"})

	// StoreCallDuration measures Store operation latency by method.
	StoreCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rollout_store_call_duration_seconds",
		Help: "Duration of Store operations, by method.",
	}, []string{"method"})

	// HTTPRequests counts inbound API requests.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_http_requests_total",
		Help: "Total number of inbound HTTP API requests.",
	}, []string{"path", "method", "status"})

	// HTTPRequestDuration measures inbound API request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rollout_http_request_duration_seconds",
		Help: "Duration of inbound HTTP API requests.",
	}, []string{"path", "method"})
)

// Register registers every collector with the given registerer. Call once
// at process startup with prometheus.DefaultRegisterer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		DispatcherTickDuration,
		DispatcherDueWorkflows,
		ProcessorOutcomes,
		CIClientCallDuration,
		StoreCallDuration,
		HTTPRequests,
		HTTPRequestDuration,
	)
}
