// Package metrics holds the Prometheus collectors for the analysis service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "decidekit"

var (
	// RunsStarted counts runs picked up by a worker.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_started_total",
		Help:      "Analysis runs started",
	})

	// RunsFinished counts runs reaching a terminal stage.
	// Labels: outcome (COMPLETED_BUILD, COMPLETED_DO_NOT_BUILD, FAILED)
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_finished_total",
		Help:      "Analysis runs by terminal stage",
	}, []string{"outcome"})

	// StageDuration measures how long each stage's collaborator ran.
	// Labels: stage, status (complete, failed)
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Stage execution time in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"stage", "status"})

	// Candidates counts intent filter outcomes.
	// Labels: result (admitted, rejected)
	Candidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intent",
		Name:      "candidates_total",
		Help:      "Candidates scored by the intent filter",
	}, []string{"result"})

	// ConfidenceScore tracks the distribution of final confidence scores.
	ConfidenceScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "confidence",
		Name:      "score",
		Help:      "Distribution of composite confidence scores",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 85, 90, 100},
	})

	// SafetyOverrides counts runs where the safety floor fired.
	SafetyOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "confidence",
		Name:      "safety_overrides_total",
		Help:      "Confidence results with the safety override set",
	})

	// LLMCalls counts generation calls.
	// Labels: model, status (success, error)
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "LLM generation calls by status",
	}, []string{"model", "status"})

	// LLMTokens counts tokens consumed.
	// Labels: model, direction (input, output)
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "LLM tokens consumed",
	}, []string{"model", "direction"})

	// SearchRequests counts external search calls.
	// Labels: provider (jina, perplexity), status (success, error, circuit_open)
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "External search requests by provider and status",
	}, []string{"provider", "status"})

	// QueueDepth is the number of runs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Runs waiting in the worker queue",
	})

	// HTTPRequests counts API requests.
	// Labels: route (chi route pattern), method, code
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route, method and status code",
	}, []string{"route", "method", "code"})
)

// ObserveStage records a stage duration.
func ObserveStage(stage, status string, d time.Duration) {
	StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// Status maps an error to a success/error label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
