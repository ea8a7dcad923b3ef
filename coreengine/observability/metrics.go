// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// QUEUE METRICS
// =============================================================================

var (
	queueTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_queue_tasks_total",
			Help: "Total number of outbound queue tasks executed",
		},
		[]string{"queue", "status"}, // status: success, error
	)

	queueTaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_queue_task_duration_seconds",
			Help:    "Outbound queue task execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "echo_queue_depth",
			Help: "Number of tasks waiting in the outbound queue",
		},
		[]string{"queue"},
	)
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"agent", "status"}, // status: sent, error, no_response
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_stage_executions_total",
			Help: "Total number of pipeline stage executions by resulting signal",
		},
		[]string{"stage", "signal"}, // signal: continue, stop, fail
	)
)

// =============================================================================
// ROUTING & GENERATION METRICS
// =============================================================================

var (
	routeDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_route_decisions_total",
			Help: "Total number of router decisions",
		},
		[]string{"route", "confidence"}, // confidence: high, low
	)

	generationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_generation_attempts_total",
			Help: "Total number of bounded-retry generation attempts by outcome",
		},
		[]string{"outcome"}, // outcome: valid, rejected, forced
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"},
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordQueueTask records one executed queue task.
func RecordQueueTask(queue string, status string, durationMS int) {
	queueTasksTotal.WithLabelValues(queue, status).Inc()
	queueTaskDurationSeconds.WithLabelValues(queue).Observe(float64(durationMS) / 1000.0)
}

// SetQueueDepth reports the number of pending tasks in a queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordPipelineRun records pipeline run metrics.
// This should be called after the run completes.
func RecordPipelineRun(agent string, status string, durationMS int) {
	pipelineRunsTotal.WithLabelValues(agent, status).Inc()
	pipelineDurationSeconds.WithLabelValues(agent).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records the signal a stage returned.
func RecordStageExecution(stage string, signal string) {
	stageExecutionsTotal.WithLabelValues(stage, signal).Inc()
}

// RecordRouteDecision records a router decision. lowConfidence marks
// decisions under the configured confidence floor.
func RecordRouteDecision(route string, lowConfidence bool) {
	band := "high"
	if lowConfidence {
		band = "low"
	}
	routeDecisionsTotal.WithLabelValues(route, band).Inc()
}

// RecordGenerationAttempt records one generation attempt outcome.
func RecordGenerationAttempt(outcome string) {
	generationAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordLLMCall records LLM call metrics.
// This should be called after LLM generation completes.
func RecordLLMCall(provider string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
