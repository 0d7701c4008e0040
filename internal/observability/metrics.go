package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "statsbot"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration prometheus.Histogram

	llmCallTotal    *prometheus.CounterVec
	llmCallDuration prometheus.Histogram
	llmTokensTotal  *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration prometheus.Histogram
	agentTurns       prometheus.Histogram

	interactionTotal    *prometheus.CounterVec
	interactionsRunning prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

// Agent runs span several model round trips and may wait on slow local
// models, so the default buckets stop too early.
var runBuckets = []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total SQL tool executions by outcome (rows, retry, fatal).",
				},
				[]string{"outcome"},
			),
			toolExecutionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "SQL tool execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_call_total",
					Help:      "Total chat completion calls by status.",
				},
				[]string{"status"},
			),
			llmCallDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "llm_call_duration_seconds",
					Help:      "Chat completion call duration in seconds.",
					Buckets:   runBuckets,
				},
			),
			llmTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_tokens_total",
					Help:      "Total tokens reported by the model endpoint by kind (prompt, completion).",
				},
				[]string{"kind"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by status.",
				},
				[]string{"status"},
			),
			agentRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds.",
					Buckets:   runBuckets,
				},
			),
			agentTurns: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_turns",
					Help:      "Model round trips per agent run.",
					Buckets:   prometheus.LinearBuckets(1, 1, 12),
				},
			),
			interactionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "interaction_total",
					Help:      "Total slash command interactions by outcome.",
				},
				[]string{"outcome"},
			),
			interactionsRunning: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "interactions_in_flight",
					Help:      "Interactions currently being answered.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmTokensTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentTurns,
			m.interactionTotal,
			m.interactionsRunning,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordToolExecution counts one SQL tool call by outcome kind.
func RecordToolExecution(outcome string, duration time.Duration) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(outcome).Inc()
	m.toolExecutionDuration.Observe(duration.Seconds())
}

func RecordLLMCall(duration time.Duration, success bool, promptTokens, completionTokens int64) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(statusLabel(success)).Inc()
	m.llmCallDuration.Observe(duration.Seconds())
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// RecordAgentRun records a finished run. status is "finished" or the abort reason.
func RecordAgentRun(status string, duration time.Duration, turns int) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(status).Inc()
	m.agentRunDuration.Observe(duration.Seconds())
	m.agentTurns.Observe(float64(turns))
}

func RecordInteraction(outcome string) {
	getMetrics().interactionTotal.WithLabelValues(outcome).Inc()
}

// TrackInteraction increments the in-flight gauge and returns its release.
func TrackInteraction() func() {
	g := getMetrics().interactionsRunning
	g.Inc()
	return g.Dec
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
