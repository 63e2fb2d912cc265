// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultRequested = "requested"
)

// Metrics holds the credential core counters. A nil *Metrics is valid and
// records nothing, so services can run without an observability server.
type Metrics struct {
	TokensIssued   prometheus.Counter
	TokenRotations *prometheus.CounterVec
	CodeClaims     *prometheus.CounterVec
	PasswordResets *prometheus.CounterVec
}

// NewMetrics creates the keypass metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keypass_tokens_issued_total",
			Help: "Session credential pairs issued",
		}),
		TokenRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypass_token_rotations_total",
			Help: "Refresh token rotations by result",
		}, []string{"result"}),
		CodeClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypass_code_claims_total",
			Help: "Access code claim attempts by result",
		}, []string{"result"}),
		PasswordResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypass_password_resets_total",
			Help: "Password reset operations by result",
		}, []string{"result"}),
	}

	reg.MustRegister(m.TokensIssued, m.TokenRotations, m.CodeClaims, m.PasswordResets)
	return m
}

// IncTokensIssued counts one issued pair.
func (m *Metrics) IncTokensIssued() {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
}

// IncTokenRotation counts a rotation attempt.
func (m *Metrics) IncTokenRotation(result string) {
	if m == nil {
		return
	}
	m.TokenRotations.WithLabelValues(result).Inc()
}

// IncCodeClaim counts a claim attempt. result is "success" or the failure kind.
func (m *Metrics) IncCodeClaim(result string) {
	if m == nil {
		return
	}
	m.CodeClaims.WithLabelValues(result).Inc()
}

// IncPasswordReset counts a reset operation: ResultRequested for issued
// tokens, ResultSuccess or ResultFailure for consumption.
func (m *Metrics) IncPasswordReset(result string) {
	if m == nil {
		return
	}
	m.PasswordResets.WithLabelValues(result).Inc()
}
