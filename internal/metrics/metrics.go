// Package metrics exposes the Prometheus instruments of the decision pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Kestrel collector.
type Metrics struct {
	// Evaluations by decision and risk level
	Evaluations *prometheus.CounterVec

	// End-to-end evaluation latency
	EvaluateLatency prometheus.Histogram

	// Rule triggers by rule code
	RuleTriggers *prometheus.CounterVec

	// Confirmed outcomes by outcome
	Outcomes *prometheus.CounterVec

	// Overrides by new decision
	Overrides *prometheus.CounterVec

	// Case transitions by operation and resulting status
	CaseTransitions *prometheus.CounterVec

	// Loaded rules
	ActiveRules prometheus.Gauge

	// HTTP requests by method, route and status
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_evaluations_total",
			Help: "Total evaluations by decision and risk level",
		}, []string{"decision", "risk_level"}),

		EvaluateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_evaluate_duration_seconds",
			Help:    "Duration of a full evaluation including persistence",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		RuleTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rule_triggers_total",
			Help: "Total rule triggers by rule code",
		}, []string{"rule_code"}),

		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_outcomes_confirmed_total",
			Help: "Total confirmed score outcomes",
		}, []string{"outcome"}),

		Overrides: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_overrides_total",
			Help: "Total manual decision overrides by new decision",
		}, []string{"decision"}),

		CaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_case_transitions_total",
			Help: "Total case operations by operation and resulting status",
		}, []string{"operation", "status"}),

		ActiveRules: f.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_active_rules",
			Help: "Number of rules in the engine snapshot",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// ObserveEvaluation records one evaluation outcome and its latency.
func (m *Metrics) ObserveEvaluation(decision, riskLevel string, d time.Duration) {
	if m != nil {
		m.Evaluations.WithLabelValues(decision, riskLevel).Inc()
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// IncrementRuleTriggers records the rules that fired in one evaluation.
func (m *Metrics) IncrementRuleTriggers(codes []string) {
	if m != nil {
		for _, code := range codes {
			m.RuleTriggers.WithLabelValues(code).Inc()
		}
	}
}

// IncrementOutcome records a confirmed outcome.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

// IncrementOverride records a manual override.
func (m *Metrics) IncrementOverride(decision string) {
	if m != nil {
		m.Overrides.WithLabelValues(decision).Inc()
	}
}

// IncrementCaseTransition records a successful case operation.
func (m *Metrics) IncrementCaseTransition(operation, status string) {
	if m != nil {
		m.CaseTransitions.WithLabelValues(operation, status).Inc()
	}
}

// SetActiveRules records the size of the engine snapshot.
func (m *Metrics) SetActiveRules(n int) {
	if m != nil {
		m.ActiveRules.Set(float64(n))
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, route, status).Inc()
		m.HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	}
}
