// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	AuthRejections       *prometheus.CounterVec
	CheckIns             *prometheus.CounterVec
	DayCredits           prometheus.Counter
	NotificationsCreated *prometheus.CounterVec
	PushDeliveries       *prometheus.CounterVec
	CoachRequests        *prometheus.CounterVec
	EvaluationRuns       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nexlevel",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		AuthRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "auth_rejections_total",
				Help:      "Total number of rejected credentials",
			},
			[]string{"reason"},
		),
		CheckIns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "check_ins_total",
				Help:      "Check-ins appended to the ledger",
			},
			[]string{"kind"},
		),
		DayCredits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "day_credits_total",
				Help:      "Participant days completed",
			},
		),
		NotificationsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "notifications_created_total",
				Help:      "Notifications stored, by type",
			},
			[]string{"type"},
		),
		PushDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "push_deliveries_total",
				Help:      "Push delivery attempts, by outcome",
			},
			[]string{"outcome"},
		),
		CoachRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "coach_requests_total",
				Help:      "AI coach requests, by outcome",
			},
			[]string{"outcome"},
		),
		EvaluationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexlevel",
				Name:      "evaluation_runs_total",
				Help:      "Evaluation passes, by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.HTTPRequests, m.HTTPDuration, m.AuthRejections, m.CheckIns, m.DayCredits,
			m.NotificationsCreated, m.PushDeliveries, m.CoachRequests, m.EvaluationRuns,
		)
	}
	return m
}

// CheckIn counts an appended entry.
func (m *Metrics) CheckIn(bonus bool) {
	if m == nil {
		return
	}
	kind := "scheduled"
	if bonus {
		kind = "bonus"
	}
	m.CheckIns.WithLabelValues(kind).Inc()
}

// DayCredit counts a completed participant day.
func (m *Metrics) DayCredit() {
	if m == nil {
		return
	}
	m.DayCredits.Inc()
}

// NotificationCreated counts a stored notification.
func (m *Metrics) NotificationCreated(typ string) {
	if m == nil {
		return
	}
	m.NotificationsCreated.WithLabelValues(typ).Inc()
}

// PushDelivery counts a push attempt outcome (sent, failed, skipped).
func (m *Metrics) PushDelivery(outcome string) {
	if m == nil {
		return
	}
	m.PushDeliveries.WithLabelValues(outcome).Inc()
}

// CoachRequest counts a coach request outcome.
func (m *Metrics) CoachRequest(outcome string) {
	if m == nil {
		return
	}
	m.CoachRequests.WithLabelValues(outcome).Inc()
}

// EvaluationRun counts an evaluation pass outcome.
func (m *Metrics) EvaluationRun(outcome string) {
	if m == nil {
		return
	}
	m.EvaluationRuns.WithLabelValues(outcome).Inc()
}

// AuthRejected counts a rejected credential.
func (m *Metrics) AuthRejected(reason string) {
	if m == nil {
		return
	}
	m.AuthRejections.WithLabelValues(reason).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
