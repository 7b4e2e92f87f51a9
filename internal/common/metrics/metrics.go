package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_records_processed_total",
			Help: "Total number of source records processed per program and stage outcome",
		},
		[]string{"program", "outcome"},
	)

	PipelineBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipeline_batch_duration_seconds",
			Help: "Duration of one batch pipeline invocation",
		},
		[]string{"program"},
	)

	FilterRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_rejections_total",
			Help: "Total candidates rejected per filter",
		},
		[]string{"program", "filter_id", "reason_code"},
	)

	ScoringCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoring_calls_total",
			Help: "Total scoring model invocations by result",
		},
		[]string{"model_id", "result"},
	)

	ScoreCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_cache_hits_total",
			Help: "Score cache lookups by outcome",
		},
		[]string{"model_id", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scoring_circuit_breaker_state",
			Help: "Circuit breaker state per model (0 closed, 1 half-open, 2 open)",
		},
		[]string{"model_id"},
	)

	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_optimistic_lock_conflicts_total",
			Help: "Optimistic lock conflicts surfaced by the candidate store",
		},
		[]string{"operation"},
	)

	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_outcomes_total",
			Help: "Delivery attempts by channel and outcome code",
		},
		[]string{"channel", "outcome"},
	)

	ServingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serving_requests_total",
			Help: "Serving layer requests by result",
		},
		[]string{"result"},
	)

	ServingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "serving_request_duration_seconds",
			Help:    "Serving layer request latency",
			Buckets: []float64{.001, .005, .01, .03, .05, .1, .5, 1},
		},
	)
)
