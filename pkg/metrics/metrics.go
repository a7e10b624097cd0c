package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "video_search",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Time spent in each ingest stage.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_search",
		Name:      "pipeline_stage_failures_total",
		Help:      "Ingest runs that ended in a failed stage.",
	}, []string{"stage"})

	SkippedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "video_search",
		Name:      "embedding_skipped_items_total",
		Help:      "Keyframes or transcript segments that could not be embedded.",
	}, []string{"modality"})

	IngestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "video_search",
		Name:      "ingests_in_flight",
		Help:      "Ingest runs currently executing in this process.",
	})

	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "video_search",
		Name:      "search_duration_seconds",
		Help:      "End-to-end search latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})
)

func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
