package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector self-metrics, served on /metrics.
var (
	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_registrations_total",
		Help: "Agent registrations accepted, including re-registrations",
	})

	MetricsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_metrics_ingested_total",
			Help: "Metric samples received, by outcome (stored, unknown_system, error)",
		},
		[]string{"outcome"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_alerts_raised_total",
			Help: "Alerts created by the evaluation engine",
		},
		[]string{"type", "severity"},
	)

	AlertEvaluationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_alert_evaluations_dropped_total",
		Help: "Samples skipped because the evaluation queue was full",
	})

	SystemsMarkedInactive = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_systems_marked_inactive_total",
		Help: "Systems flipped to inactive after exceeding the staleness window",
	})

	MetricsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_metrics_pruned_total",
		Help: "Metric rows deleted by the retention cleaner",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_rate_limited_total",
		Help: "Requests rejected by the per-address rate limiter",
	})

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_http_requests_total",
			Help: "HTTP requests served, by method and status",
		},
		[]string{"method", "status"},
	)
)
