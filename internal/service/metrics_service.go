package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the role engine.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestOutcomes  *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	riskScores       prometheus.Histogram
	suspicious       *prometheus.CounterVec
	sweepProcessed   prometheus.Counter
	sweepFailed      prometheus.Counter
}

// NewMetricsService registers the role-engine collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "role_requests_total",
		Help: "Role requests by outcome",
	}, []string{"outcome"})

	rateLimitDenials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "role_request_rate_limit_denials_total",
		Help: "Rate-limit denials by limit kind",
	}, []string{"kind"})

	riskScores := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "role_request_risk_score",
		Help:    "Risk scores computed by the escalation prevention service",
		Buckets: []float64{5, 10, 25, 50, 70, 80, 100},
	})

	suspicious := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "suspicious_activities_total",
		Help: "Suspicious activities recorded by severity",
	}, []string{"severity"})

	sweepProcessed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "temporary_role_sweep_processed_total",
		Help: "Temporary role assignments processed by the expiration sweep",
	})

	sweepFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "temporary_role_sweep_failed_total",
		Help: "Temporary role expirations that failed during the sweep",
	})

	registry.MustRegister(requestOutcomes, rateLimitDenials, riskScores, suspicious, sweepProcessed, sweepFailed)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestOutcomes:  requestOutcomes,
		rateLimitDenials: rateLimitDenials,
		riskScores:       riskScores,
		suspicious:       suspicious,
		sweepProcessed:   sweepProcessed,
		sweepFailed:      sweepFailed,
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (s *MetricsService) Handler() http.Handler {
	if s == nil {
		return promhttp.Handler()
	}
	return s.handler
}

// RecordRequestOutcome counts one role request outcome.
func (s *MetricsService) RecordRequestOutcome(outcome string) {
	if s == nil {
		return
	}
	s.requestOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRateLimitDenial counts one rate-limit denial.
func (s *MetricsService) RecordRateLimitDenial(kind string) {
	if s == nil {
		return
	}
	s.rateLimitDenials.WithLabelValues(kind).Inc()
}

// ObserveRiskScore records one computed risk score.
func (s *MetricsService) ObserveRiskScore(score int) {
	if s == nil {
		return
	}
	s.riskScores.Observe(float64(score))
}

// RecordSuspicious counts one suspicious activity.
func (s *MetricsService) RecordSuspicious(severity string) {
	if s == nil {
		return
	}
	s.suspicious.WithLabelValues(severity).Inc()
}

// RecordSweep accumulates the result of one expiration sweep.
func (s *MetricsService) RecordSweep(successful, failed int) {
	if s == nil {
		return
	}
	s.sweepProcessed.Add(float64(successful))
	s.sweepFailed.Add(float64(failed))
}
