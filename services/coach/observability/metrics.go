// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the coach service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring streaming coach
// turns. Metrics include:
//   - Request counters (by status, error type)
//   - Token usage (input/output tokens by model and tier)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//   - Quota denials and guard rewrites
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "northstar"

// Subsystem for coach turn metrics
const coachSubsystem = "coach"

// CoachMetrics holds all Prometheus metrics for streaming coach turns.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance and spend. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type CoachMetrics struct {
	// RequestsTotal counts coach turns by session mode and status.
	// Labels: mode (discovery, coaching), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction, model and tier.
	// Labels: direction (input, output), model, tier (primary, escalated)
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first visible token.
	// Labels: tier
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: mode, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by type.
	// Labels: error_code (rate_limited, subscription_required, llm_error, ...)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter

	// QuotaDenialsTotal counts 429s by plan.
	// Labels: plan (trial, active)
	QuotaDenialsTotal *prometheus.CounterVec

	// GuardOutcomesTotal counts human-feel guard outcomes.
	// Labels: outcome (passed, rewritten, fallback)
	GuardOutcomesTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of CoachMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *CoachMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *CoachMetrics {
	DefaultMetrics = &CoachMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "requests_total",
				Help:      "Total number of coach turns by mode and status",
			},
			[]string{"mode", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction, model and tier",
			},
			[]string{"direction", "model", "tier"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first visible token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"tier"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode", "status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "errors_total",
				Help:      "Total turn errors by type",
			},
			[]string{"error_code"},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),

		QuotaDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "quota_denials_total",
				Help:      "Total quota denials by plan",
			},
			[]string{"plan"},
		),

		GuardOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: coachSubsystem,
				Name:      "guard_outcomes_total",
				Help:      "Human-feel guard outcomes",
			},
			[]string{"outcome"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeRateLimited indicates a quota denial.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeSubscriptionRequired indicates a blocked session.
	ErrorCodeSubscriptionRequired ErrorCode = "subscription_required"

	// ErrorCodeLLMError indicates provider API failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeEmptyDraft indicates the model produced no visible text.
	ErrorCodeEmptyDraft ErrorCode = "empty_draft"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed coach turn.
func (m *CoachMetrics) RecordRequest(mode string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(mode, status).Inc()
}

// RecordError records a turn error.
func (m *CoachMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordTokens records token usage for one turn.
func (m *CoachMetrics) RecordTokens(inputTokens, outputTokens int, model, tier string) {
	m.TokensTotal.WithLabelValues("input", model, tier).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model, tier).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *CoachMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *CoachMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records first-token latency for a tier.
func (m *CoachMetrics) RecordTimeToFirstToken(tier string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(tier).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *CoachMetrics) RecordStreamDuration(mode string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(mode, status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *CoachMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *CoachMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}

// RecordQuotaDenial increments the quota denial counter for a plan.
func (m *CoachMetrics) RecordQuotaDenial(isTrial bool) {
	plan := "active"
	if isTrial {
		plan = "trial"
	}
	m.QuotaDenialsTotal.WithLabelValues(plan).Inc()
}

// RecordGuardOutcome records a human-feel guard outcome.
func (m *CoachMetrics) RecordGuardOutcome(outcome string) {
	m.GuardOutcomesTotal.WithLabelValues(outcome).Inc()
}
