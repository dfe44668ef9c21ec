// Package telemetry owns the OpenTelemetry metric instruments recorded by the
// session core and the auth service, and the optional OTLP exporter setup.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/dmitrijs2005/sessionkeeper"

// Metrics groups the counters recorded across the client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	refreshAttempts   metric.Int64Counter
	refreshFailures   metric.Int64Counter
	tokensBlacklisted metric.Int64Counter
	sessionsCleared   metric.Int64Counter
	rateLimited       metric.Int64Counter
	signIns           metric.Int64Counter
}

// NewMetrics creates the instruments on a meter from provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName)

	var m Metrics
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m.refreshAttempts = counter("session.refresh.attempts", "Refresh calls sent to the identity backend")
	m.refreshFailures = counter("session.refresh.failures", "Refreshes that failed after all retries")
	m.tokensBlacklisted = counter("session.tokens.blacklisted", "Tokens added to the local blacklist")
	m.sessionsCleared = counter("session.cleared", "Sessions cleared locally")
	m.rateLimited = counter("auth.ratelimit.rejections", "Attempts rejected by the rate limiter")
	m.signIns = counter("auth.signins", "Completed sign-in and sign-up operations")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// Nop returns Metrics backed by the no-op meter provider.
func Nop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func (m *Metrics) RefreshAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.refreshAttempts.Add(ctx, 1)
}

func (m *Metrics) RefreshFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.refreshFailures.Add(ctx, 1)
}

// TokenBlacklisted records a blacklist insertion; reason is "revoked" or
// "user_deleted".
func (m *Metrics) TokenBlacklisted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.tokensBlacklisted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) SessionCleared(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsCleared.Add(ctx, 1)
}

func (m *Metrics) RateLimited(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// SignIn records a completed authentication; method is "password",
// "signup" or "google".
func (m *Metrics) SignIn(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.signIns.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}
