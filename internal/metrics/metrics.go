// Package metrics holds the Prometheus collectors for enforcement, semantic
// evaluation and learning. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Causeway.
type Metrics struct {
	// Enforcement
	Verdicts        *prometheus.CounterVec
	VerdictLatency  *prometheus.HistogramVec
	RulesChecked    prometheus.Histogram
	SemanticSkipped *prometheus.CounterVec

	// Semantic evaluation
	Evaluations       *prometheus.CounterVec
	EvaluationLatency prometheus.Histogram
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter

	// Learning
	LearningPasses  *prometheus.CounterVec
	LearningChanges *prometheus.CounterVec
	LearningLatency prometheus.Histogram

	// HTTP (serve mode)
	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all collectors on reg. Each Registry may be used
// once; tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Verdicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "causeway_verdicts_total",
				Help: "Enforcement verdicts by decision",
			},
			[]string{"decision"},
		),
		VerdictLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "causeway_verdict_duration_seconds",
				Help:    "Time to reach an enforcement verdict",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"path"},
		),
		RulesChecked: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "causeway_rules_checked",
			Help:    "Rules considered per enforcement call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		SemanticSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "causeway_semantic_skipped_total",
				Help: "Semantic checks skipped because a dependency failed",
			},
			[]string{"stage"},
		),
		Evaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "causeway_evaluations_total",
				Help: "Semantic evaluator results",
			},
			[]string{"result"},
		),
		EvaluationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "causeway_evaluation_duration_seconds",
			Help:    "LLM time per semantic evaluation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "causeway_evaluator_cache_hits_total",
			Help: "Semantic verdicts served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "causeway_evaluator_cache_misses_total",
			Help: "Semantic verdicts that required an LLM call",
		}),
		LearningPasses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "causeway_learning_passes_total",
				Help: "Learning passes by outcome",
			},
			[]string{"outcome"},
		),
		LearningChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "causeway_learning_changes_total",
				Help: "Rule changes applied by learning, by operation",
			},
			[]string{"op"},
		),
		LearningLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "causeway_learning_duration_seconds",
			Help:    "Duration of a learning pass",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "causeway_http_requests_total",
				Help: "HTTP requests handled in serve mode",
			},
			[]string{"route", "code"},
		),
	}
}

// ObserveVerdict records one enforcement decision. path is "regex" when the
// verdict was reached without the semantic pass, else "semantic".
func (m *Metrics) ObserveVerdict(decision, path string, rulesChecked int, d time.Duration) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(decision).Inc()
	m.VerdictLatency.WithLabelValues(path).Observe(d.Seconds())
	m.RulesChecked.Observe(float64(rulesChecked))
}

// SemanticSkip records a fail-open event at stage (embed, search, evaluate, budget).
func (m *Metrics) SemanticSkip(stage string) {
	if m == nil {
		return
	}
	m.SemanticSkipped.WithLabelValues(stage).Inc()
}

// ObserveEvaluation records one evaluator outcome: match, no_match or error.
func (m *Metrics) ObserveEvaluation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(result).Inc()
	if d > 0 {
		m.EvaluationLatency.Observe(d.Seconds())
	}
}

// CacheLookup records an evaluator cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// ObserveLearning records a finished learning pass and its applied changes by op.
func (m *Metrics) ObserveLearning(outcome string, changes map[string]int, d time.Duration) {
	if m == nil {
		return
	}
	m.LearningPasses.WithLabelValues(outcome).Inc()
	for op, n := range changes {
		m.LearningChanges.WithLabelValues(op).Add(float64(n))
	}
	m.LearningLatency.Observe(d.Seconds())
}

// ObserveHTTP counts one served request.
func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusClass(code)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
