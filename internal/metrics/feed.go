package metrics

import "github.com/prometheus/client_golang/prometheus"

// Feed-pipeline Prometheus metrics.
var (
	FeedStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "topfeed",
			Name:      "feed_stage_duration_seconds",
			Help:      "Feed pipeline stage duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"stage"},
	)

	FeedCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "topfeed",
			Name:      "feed_candidates",
			Help:      "Candidate pool size after each pipeline stage",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 200, 500},
		},
		[]string{"stage"},
	)

	FeedFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topfeed",
			Name:      "feed_fallback_total",
			Help:      "Feed requests served by a fallback method",
		},
		[]string{"method"},
	)

	FeedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topfeed",
			Name:      "feed_requests_total",
			Help:      "Feed requests by rollout variant",
		},
		[]string{"variant"},
	)

	GuardrailChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topfeed",
			Name:      "rollout_guardrail_checks_total",
			Help:      "Guardrail checks by outcome",
		},
		[]string{"outcome"}, // "pass" / "rollback" / "auto_disabled"
	)

	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topfeed",
			Name:      "events_ingested_total",
			Help:      "Interaction events accepted by kind",
		},
		[]string{"kind"},
	)
)

var feedMetricsRegistered bool

// RegisterFeedMetrics registers feed-pipeline metrics. Must be called once from main.
func RegisterFeedMetrics() {
	if feedMetricsRegistered {
		return
	}
	prometheus.MustRegister(FeedStageDuration)
	prometheus.MustRegister(FeedCandidates)
	prometheus.MustRegister(FeedFallbackTotal)
	prometheus.MustRegister(FeedRequestsTotal)
	prometheus.MustRegister(GuardrailChecksTotal)
	prometheus.MustRegister(EventsIngestedTotal)
	feedMetricsRegistered = true
}
