package tlscontext

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName identifies this package's otel meter and tracer.
const instrumentationName = "trustplane.tls"

var (
	metricsOnce    sync.Once
	metricsInitErr error
	metricsInst    *HandshakeMetrics
)

// HandshakeMetrics handles OpenTelemetry metrics for completed handshakes.
// It complements the SSLStats counter bundle with duration and distribution
// data.
type HandshakeMetrics struct {
	handshakesTotal     metric.Int64Counter
	handshakeDuration   metric.Float64Histogram
	versionDistribution metric.Int64Counter
	cipherDistribution  metric.Int64Counter
	resumptionsTotal    metric.Int64Counter

	logger *slog.Logger
}

// GetHandshakeMetrics returns the singleton handshake metrics collector.
func GetHandshakeMetrics(logger *slog.Logger) (*HandshakeMetrics, error) {
	metricsOnce.Do(func() {
		metricsInst, metricsInitErr = newHandshakeMetrics(logger)
	})
	return metricsInst, metricsInitErr
}

func newHandshakeMetrics(logger *slog.Logger) (*HandshakeMetrics, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter(instrumentationName)
	collector := &HandshakeMetrics{logger: logger}

	var err error

	collector.handshakesTotal, err = meter.Int64Counter(
		"tls_handshakes_total",
		metric.WithDescription("Total number of completed TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.versionDistribution, err = meter.Int64Counter(
		"tls_version_total",
		metric.WithDescription("TLS connections by protocol version"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.cipherDistribution, err = meter.Int64Counter(
		"tls_cipher_suite_total",
		metric.WithDescription("TLS connections by negotiated cipher suite"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.resumptionsTotal, err = meter.Int64Counter(
		"tls_session_resumptions_total",
		metric.WithDescription("Handshakes completed via session resumption"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordHandshake records one completed handshake.
func (m *HandshakeMetrics) RecordHandshake(ctx context.Context, state tls.ConnectionState, duration time.Duration) {
	version := tls.VersionName(state.Version)
	cipherSuite := tls.CipherSuiteName(state.CipherSuite)

	attrs := []attribute.KeyValue{
		attribute.String("tls_version", version),
		attribute.String("cipher_suite", cipherSuite),
		attribute.String("server_name", state.ServerName),
		attribute.Bool("resumed", state.DidResume),
	}

	m.handshakesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		m.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	m.versionDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls_version", version),
	))
	m.cipherDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cipher_suite", cipherSuite),
	))
	if state.DidResume {
		m.resumptionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	m.logger.Debug("TLS handshake completed",
		"tls_version", version,
		"cipher_suite", cipherSuite,
		"server_name", state.ServerName,
		"resumed", state.DidResume,
		"handshake_duration", duration)
}
