package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidestarget_alerts_consumed_total",
			Help: "Total alerts read from the broker stream",
		},
		[]string{"source"},
	)

	LightcurveAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidestarget_lightcurve_api_calls_total",
			Help: "Total Lasair light-curve API calls",
		},
		[]string{"status"},
	)

	LightcurveAPILatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tidestarget_lightcurve_api_latency_seconds",
			Help:    "Lasair light-curve API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LightcurveCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidestarget_lightcurve_cache_hits_total",
			Help: "Light curves served from the local cache",
		},
	)

	ObjectsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidestarget_objects_classified_total",
			Help: "Objects classified, by outcome",
		},
		[]string{"outcome"},
	)

	FollowupRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidestarget_followup_requests_total",
			Help: "Follow-up queue API requests",
		},
		[]string{"operation", "status"},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidestarget_pipeline_runs_total",
			Help: "Pipeline runs, by result",
		},
		[]string{"result"},
	)
)
