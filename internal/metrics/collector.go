// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the process's Prometheus metrics.
type Collector struct {
	// LLM metrics
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	// Agent metrics
	agentTurnsTotal   *prometheus.CounterVec
	agentTurnDuration *prometheus.HistogramVec
	agentIterations   prometheus.Histogram

	// Retrieval metrics
	retrievalDuration *prometheus.HistogramVec
	retrievalFailures *prometheus.CounterVec
	rerankFallbacks   prometheus.Counter

	// Memory metrics
	compressionsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.agentTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Total number of agent turns",
		},
		[]string{"status"},
	)

	c.agentTurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_duration_seconds",
			Help:      "End-to-end agent turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.agentIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_iterations_per_turn",
			Help:      "Plan-execute-judge iterations used per turn",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	c.retrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_branch_duration_seconds",
			Help:      "Retrieval branch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"branch"}, // branch: vector, keyword
	)

	c.retrievalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_branch_failures_total",
			Help:      "Total number of failed retrieval branches",
		},
		[]string{"branch"},
	)

	c.rerankFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_fallbacks_total",
			Help:      "Total number of rerank calls that fell back to backend ordering",
		},
	)

	c.compressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_compressions_total",
			Help:      "Total number of memory compression attempts",
		},
		[]string{"memory", "status"}, // memory: conversation, tool
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordLLMRequest records one completion or stream call.
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordAgentTurn records one completed turn.
func (c *Collector) RecordAgentTurn(status string, duration time.Duration, iterations int) {
	c.agentTurnsTotal.WithLabelValues(status).Inc()
	c.agentTurnDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.agentIterations.Observe(float64(iterations))
}

// RecordRetrievalBranch records one retrieval branch outcome.
func (c *Collector) RecordRetrievalBranch(branch string, duration time.Duration, failed bool) {
	c.retrievalDuration.WithLabelValues(branch).Observe(duration.Seconds())
	if failed {
		c.retrievalFailures.WithLabelValues(branch).Inc()
	}
}

// RecordRerankFallback records a rerank call that used backend ordering.
func (c *Collector) RecordRerankFallback() {
	c.rerankFallbacks.Inc()
}

// RecordCompression records one memory compression attempt.
func (c *Collector) RecordCompression(memoryName, status string) {
	c.compressionsTotal.WithLabelValues(memoryName, status).Inc()
}
