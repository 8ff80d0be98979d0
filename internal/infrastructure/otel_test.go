package infrastructure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"mailreg/internal/config"
)

func TestOTelInitialization(t *testing.T) {
	logger := NewJSONLogger(io.Discard, "error")
	cfg := config.Default().Telemetry

	providers, err := InitializeOTel(cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	require.NotNil(t, providers.PrometheusHTTP)

	counter, err := providers.Meter.Int64Counter("license_test_events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3, metric.WithAttributes())

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "license_test_events_total")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelInitializationTwice(t *testing.T) {
	logger := NewJSONLogger(io.Discard, "error")
	cfg := config.Default().Telemetry

	for i := 0; i < 2; i++ {
		providers, err := InitializeOTel(cfg, logger)
		require.NoError(t, err)
		require.NoError(t, providers.Shutdown(context.Background()))
	}
}

func TestOTelStdoutTracing(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"

	providers, err := InitializeOTel(cfg, NewJSONLogger(io.Discard, "error"))
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := providers.Tracer.Start(context.Background(), "license.test")
	traceID := TraceIDFromContext(ctx)
	assert.Len(t, traceID, 32)

	AddSpanEvent(ctx, "license.test.event", map[string]interface{}{"days": 5, "ok": true})
	span.End()

	assert.Nil(t, providers.PrometheusHTTP)
}

func TestOTelRejectsUnknownExporters(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = "zipkin"
	_, err := InitializeOTel(cfg, NewJSONLogger(io.Discard, "error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported trace exporter")

	cfg = config.Default().Telemetry
	cfg.MetricExporter = "statsd"
	_, err = InitializeOTel(cfg, NewJSONLogger(io.Discard, "error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported metric exporter")
}
