package generation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the generation pipeline.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	LLMCallsTotal   *prometheus.CounterVec
	ReviewFallbacks *prometheus.CounterVec
	BudgetDegraded  prometheus.Counter
	LongDocuments   *prometheus.CounterVec
	CasesGenerated  prometheus.Histogram
}

// NewMetrics registers the pipeline metrics once per process and returns
// them. Repeated calls return the same instance.
//
// Metrics:
//   - kbasecase_pipeline_runs_total{outcome}
//   - kbasecase_pipeline_run_duration_seconds
//   - kbasecase_pipeline_llm_calls_total{pass,result}
//   - kbasecase_pipeline_review_fallbacks_total{reason}
//   - kbasecase_pipeline_budget_degraded_total
//   - kbasecase_pipeline_long_document_total{pass}
//   - kbasecase_pipeline_cases_generated
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "kbasecase",
					Subsystem: "pipeline",
					Name:      "runs_total",
					Help:      "Total number of pipeline runs by outcome",
				},
				[]string{"outcome"}, // "reviewed", "draft", or an error kind
			),
			RunDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "kbasecase",
					Subsystem: "pipeline",
					Name:      "run_duration_seconds",
					Help:      "Duration of pipeline runs in seconds",
					Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
				},
			),
			LLMCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "kbasecase",
					Subsystem: "pipeline",
					Name:      "llm_calls_total",
					Help:      "Total number of completion calls",
				},
				[]string{"pass", "result"},
			),
			ReviewFallbacks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "kbasecase",
					Subsystem: "pipeline",
					Name:      "review_fallbacks_total",
					Help:      "Total number of review passes that fell back to the draft",
				},
				[]string{"reason"},
			),
			BudgetDegraded: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "kbasecase",
					Subsystem: "pipeline",
					Name:      "budget_degraded_total",
					Help:      "Total number of allocations that ran in degraded mode",
				},
			),
			LongDocuments: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "kbasecase",
					Subsystem: "pipeline",
					Name:      "long_document_total",
					Help:      "Total number of passes that used long-document extraction",
				},
				[]string{"pass"},
			),
			CasesGenerated: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "kbasecase",
					Subsystem: "pipeline",
					Name:      "cases_generated",
					Help:      "Number of test cases returned per successful run",
					Buckets:   []float64{0, 5, 10, 25, 50, 100, 200},
				},
			),
		}
	})
	return globalMetrics
}
