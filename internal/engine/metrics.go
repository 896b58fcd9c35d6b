package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives engine measurements. A nil Metrics disables collection.
type Metrics interface {
	RecordEvent(eventType string)
	RecordEvaluation(outcome Outcome, reason string)
	SetActiveRules(n int)
	SetActiveRuns(n int)
}

// PrometheusMetrics implements Metrics and action.MetricsCollector on top of
// a Prometheus registry.
type PrometheusMetrics struct {
	eventsTotal      *prometheus.CounterVec
	evaluationsTotal *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchTotal    *prometheus.CounterVec
	activeRules      prometheus.Gauge
	activeRuns       prometheus.Gauge
}

// NewPrometheusMetrics creates the engine metrics and registers them with
// reg. A nil registerer returns nil, which disables metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		return nil
	}

	m := &PrometheusMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "restrike",
			Subsystem: "trigger",
			Name:      "events_total",
			Help:      "Total events processed by the trigger engine",
		}, []string{"event_type"}),

		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "restrike",
			Subsystem: "trigger",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by outcome and reason",
		}, []string{"outcome", "reason"}),

		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "restrike",
			Subsystem: "trigger",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in action collaborator calls",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"action"}),

		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "restrike",
			Subsystem: "trigger",
			Name:      "dispatch_total",
			Help:      "Action dispatches by status",
		}, []string{"action", "status"}),

		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "restrike",
			Subsystem: "trigger",
			Name:      "active_rules",
			Help:      "Number of entries in the active rule list",
		}),

		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "restrike",
			Subsystem: "trigger",
			Name:      "active_delay_runs",
			Help:      "Delay runs currently in flight",
		}),
	}

	reg.MustRegister(
		m.eventsTotal,
		m.evaluationsTotal,
		m.dispatchDuration,
		m.dispatchTotal,
		m.activeRules,
		m.activeRuns,
	)
	return m
}

func (m *PrometheusMetrics) RecordEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) RecordEvaluation(outcome Outcome, reason string) {
	m.evaluationsTotal.WithLabelValues(string(outcome), reason).Inc()
}

func (m *PrometheusMetrics) SetActiveRules(n int) {
	m.activeRules.Set(float64(n))
}

func (m *PrometheusMetrics) SetActiveRuns(n int) {
	m.activeRuns.Set(float64(n))
}

// RecordDispatch implements action.MetricsCollector
func (m *PrometheusMetrics) RecordDispatch(kind string, duration float64, status string) {
	m.dispatchDuration.WithLabelValues(kind).Observe(duration)
	m.dispatchTotal.WithLabelValues(kind, status).Inc()
}
