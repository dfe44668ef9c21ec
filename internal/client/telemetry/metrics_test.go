package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	want := attribute.NewSet(attrs...)
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if len(attrs) == 0 || dp.Attributes.Equals(&want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestMetrics_CountersRecord(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RefreshAttempt(ctx)
	m.RefreshAttempt(ctx)
	m.RefreshFailed(ctx)
	m.TokenBlacklisted(ctx, "revoked")
	m.TokenBlacklisted(ctx, "user_deleted")
	m.SessionCleared(ctx)
	m.RateLimited(ctx, "login")
	m.SignIn(ctx, "google")

	require.Equal(t, int64(2), sumOf(t, reader, "session.refresh.attempts"))
	require.Equal(t, int64(1), sumOf(t, reader, "session.refresh.failures"))
	require.Equal(t, int64(2), sumOf(t, reader, "session.tokens.blacklisted"))
	require.Equal(t, int64(1), sumOf(t, reader, "session.tokens.blacklisted", attribute.String("reason", "user_deleted")))
	require.Equal(t, int64(1), sumOf(t, reader, "session.cleared"))
	require.Equal(t, int64(1), sumOf(t, reader, "auth.ratelimit.rejections", attribute.String("action", "login")))
	require.Equal(t, int64(1), sumOf(t, reader, "auth.signins", attribute.String("method", "google")))
}

func TestMetrics_NilAndNopAreSafe(t *testing.T) {
	ctx := context.Background()

	var m *Metrics
	m.RefreshAttempt(ctx)
	m.RefreshFailed(ctx)
	m.TokenBlacklisted(ctx, "revoked")
	m.SessionCleared(ctx)
	m.RateLimited(ctx, "login")
	m.SignIn(ctx, "password")

	n := Nop()
	require.NotNil(t, n)
	n.RefreshAttempt(ctx)
}

func TestNewProvider_EmptyEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), "  ", "sessionkeeper", "test", time.Second)
	require.NoError(t, err)
	require.NotNil(t, p.MeterProvider)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_InvalidEndpoint(t *testing.T) {
	_, err := NewProvider(context.Background(), "http://", "sessionkeeper", "test", time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing host")
}

func TestNewProvider_WithEndpointDoesNotDial(t *testing.T) {
	p, err := NewProvider(context.Background(), "localhost:4317", "sessionkeeper", "test", time.Hour)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}
