package incident

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Metrics holds Prometheus metrics for the alert pipeline.
type Metrics struct {
	SubmitsTotal       *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	PlanAttemptsTotal  *prometheus.CounterVec
	PlanAttemptTime    *prometheus.HistogramVec
	FallbackPlansTotal *prometheus.CounterVec
	GeocodesTotal      *prometheus.CounterVec
	GeocodeDuration    prometheus.Histogram
	ActiveAlerts       *prometheus.GaugeVec
	FeedDropped        prometheus.Gauge
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_submits_total",
			Help: "Total report submissions by result.",
		}, []string{"result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_alert_events_total",
			Help: "Total committed alert changes by event kind.",
		}, []string{"kind"}),
		PlanAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_plan_attempts_total",
			Help: "Total plan generator calls by outcome.",
		}, []string{"outcome"}),
		PlanAttemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_plan_attempt_duration_seconds",
			Help:    "Duration of individual plan generator calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. 32s
		}, []string{"outcome"}),
		FallbackPlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_fallback_plans_total",
			Help: "Total degraded plans by alert type.",
		}, []string{"type"}),
		GeocodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_geocodes_total",
			Help: "Total geocode lookups by outcome.",
		}, []string{"outcome"}),
		GeocodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_geocode_duration_seconds",
			Help:    "Duration of geocode lookups in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms .. 6.4s
		}),
		ActiveAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_active_alerts",
			Help: "Live alerts by reported severity.",
		}, []string{"severity"}),
		FeedDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_feed_dropped_events",
			Help: "Change-feed events dropped because a subscriber was too slow.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.TransitionsTotal,
		m.PlanAttemptsTotal,
		m.PlanAttemptTime,
		m.FallbackPlansTotal,
		m.GeocodesTotal,
		m.GeocodeDuration,
		m.ActiveAlerts,
		m.FeedDropped,
	)

	return m
}

// SetActive publishes the live alert count per severity.
func (m *Metrics) SetActive(bySeverity map[alert.Severity]int) {
	for _, sev := range alert.Severities {
		m.ActiveAlerts.WithLabelValues(string(sev)).Set(float64(bySeverity[sev]))
	}
}

// Hooks returns ServiceHooks that increment the corresponding metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnEvent: func(kind alert.EventKind) {
			m.TransitionsTotal.WithLabelValues(string(kind)).Inc()
		},
		OnGeocode: func(outcome string, duration float64) {
			m.GeocodesTotal.WithLabelValues(outcome).Inc()
			m.GeocodeDuration.Observe(duration)
		},
	}
}

// PlannerHooks returns PlannerHooks that increment the corresponding metrics.
func (m *Metrics) PlannerHooks() PlannerHooks {
	return PlannerHooks{
		OnAttempt: func(outcome string, duration float64) {
			m.PlanAttemptsTotal.WithLabelValues(outcome).Inc()
			m.PlanAttemptTime.WithLabelValues(outcome).Observe(duration)
		},
		OnFallback: func(t alert.Type) {
			m.FallbackPlansTotal.WithLabelValues(string(t)).Inc()
		},
	}
}
