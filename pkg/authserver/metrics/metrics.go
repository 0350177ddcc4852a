// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics records the authorization server's grant, token and ledger
// counters as OpenTelemetry instruments.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/stacklok/grantkeeper/pkg/authserver"

// Security events recorded by SecurityEvent.
const (
	EventCodeReplay     = "code_replay"
	EventRefreshReuse   = "refresh_reuse"
	EventPKCEFailure    = "pkce_failure"
	EventClientMismatch = "client_mismatch"
	EventInvalidSecret  = "invalid_client_secret"
	EventRateLimited    = "rate_limited"
)

// TokenEndpointBuckets are the histogram boundaries of token endpoint latency, in seconds.
var TokenEndpointBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics holds the server's instruments. The zero value is not usable; a
// nil *Metrics records nothing.
type Metrics struct {
	tokensIssued     metric.Int64Counter
	grantFailures    metric.Int64Counter
	securityEvents   metric.Int64Counter
	revocations      metric.Int64Counter
	ledgerEvents     metric.Int64Counter
	ledgerViolations metric.Int64Counter
	tokenDuration    metric.Float64Histogram
}

// New creates the instruments on provider.
func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	// The Prometheus exporter appends _total and _seconds suffixes.
	if m.tokensIssued, err = meter.Int64Counter(
		"grantkeeper_tokens_issued",
		metric.WithDescription("Token pairs issued, by grant type"),
	); err != nil {
		return nil, err
	}
	if m.grantFailures, err = meter.Int64Counter(
		"grantkeeper_grant_failures",
		metric.WithDescription("Rejected grant requests, by grant type and OAuth2 error"),
	); err != nil {
		return nil, err
	}
	if m.securityEvents, err = meter.Int64Counter(
		"grantkeeper_security_events",
		metric.WithDescription("Code replays, refresh token reuse and other suspicious requests"),
	); err != nil {
		return nil, err
	}
	if m.revocations, err = meter.Int64Counter(
		"grantkeeper_revocations",
		metric.WithDescription("Revoked token families, by cause"),
	); err != nil {
		return nil, err
	}
	if m.ledgerEvents, err = meter.Int64Counter(
		"grantkeeper_ledger_events",
		metric.WithDescription("Authorization ledger events appended, by type"),
	); err != nil {
		return nil, err
	}
	if m.ledgerViolations, err = meter.Int64Counter(
		"grantkeeper_ledger_violations",
		metric.WithDescription("Ledger appends rejected because they would corrupt a grant's history"),
	); err != nil {
		return nil, err
	}
	if m.tokenDuration, err = meter.Float64Histogram(
		"grantkeeper_token_request_duration",
		metric.WithDescription("Duration of token endpoint requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(TokenEndpointBuckets...),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}

// TokensIssued counts one issuance for grantType.
func (m *Metrics) TokensIssued(ctx context.Context, grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// GrantFailed counts a rejected grant request.
func (m *Metrics) GrantFailed(ctx context.Context, grantType, reason string) {
	if m == nil {
		return
	}
	m.grantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", reason),
	))
}

// SecurityEvent counts a suspicious request, one of the Event* constants.
func (m *Metrics) SecurityEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.securityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// FamiliesRevoked counts n revoked token families.
func (m *Metrics) FamiliesRevoked(ctx context.Context, cause string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revocations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cause", cause)))
}

// LedgerEvent counts an appended ledger event.
func (m *Metrics) LedgerEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.ledgerEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// LedgerViolation counts a rejected ledger append.
func (m *Metrics) LedgerViolation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ledgerViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveTokenRequest records the duration of a token endpoint request.
func (m *Metrics) ObserveTokenRequest(ctx context.Context, grantType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tokenDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("outcome", outcome),
	))
}
