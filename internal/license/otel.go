package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/infrastructure"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics
type LicenseMetrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Validation metrics
	ValidationChecks      metric.Int64Counter
	ValidationCacheHits   metric.Int64Counter
	ValidationCacheMisses metric.Int64Counter
	CacheCorruptions      metric.Int64Counter

	// Issuance metrics
	KeysIssued    metric.Int64Counter
	RateLimitHits metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics. A nil meter
// uses the global provider.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	metrics := &LicenseMetrics{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&metrics.ActivationAttempts, "license_activation_attempts_total", "Total number of license activation attempts"},
		{&metrics.ActivationSuccess, "license_activation_success_total", "Total number of successful license activations"},
		{&metrics.ActivationFailures, "license_activation_failures_total", "Total number of failed license activations"},
		{&metrics.ValidationChecks, "license_validation_checks_total", "Total number of license validity checks"},
		{&metrics.ValidationCacheHits, "license_validation_cache_hits_total", "Validity checks answered from the local cache"},
		{&metrics.ValidationCacheMisses, "license_validation_cache_misses_total", "Validity checks that needed the ledger"},
		{&metrics.CacheCorruptions, "license_cache_corrupt_total", "Local cache reads rejected as corrupt"},
		{&metrics.KeysIssued, "license_keys_issued_total", "Total number of license keys issued"},
		{&metrics.RateLimitHits, "license_rate_limit_hits_total", "Activation attempts rejected by the attempt guard"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	metrics.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	return metrics, nil
}

func (lm *LicenseMetrics) recordActivation(ctx context.Context, duration time.Duration, err error) {
	if lm == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "activation"),
		attribute.String("component", "license_manager"),
	)

	lm.ActivationAttempts.Add(ctx, 1, labels)
	lm.ActivationDuration.Record(ctx, duration.Seconds(), labels)

	if err == nil {
		lm.ActivationSuccess.Add(ctx, 1, labels)
		return
	}
	lm.ActivationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", "activation"),
		attribute.String("error_code", apperrors.LicenseErrorCode(err)),
	))
}

func (lm *LicenseMetrics) recordValidation(ctx context.Context, state CacheState) {
	if lm == nil {
		return
	}

	labels := metric.WithAttributes(attribute.String("cache_state", state.String()))
	lm.ValidationChecks.Add(ctx, 1, labels)
	switch state {
	case CacheValid:
		lm.ValidationCacheHits.Add(ctx, 1, labels)
	case CacheCorrupt:
		lm.CacheCorruptions.Add(ctx, 1)
		lm.ValidationCacheMisses.Add(ctx, 1, labels)
	default:
		lm.ValidationCacheMisses.Add(ctx, 1, labels)
	}
}

func (lm *LicenseMetrics) recordIssued(ctx context.Context, count int, label string) {
	if lm == nil {
		return
	}
	lm.KeysIssued.Add(ctx, int64(count), metric.WithAttributes(attribute.String("duration_label", label)))
}

func (lm *LicenseMetrics) recordRateLimited(ctx context.Context) {
	if lm == nil {
		return
	}
	lm.RateLimitHits.Add(ctx, 1)
}

// traceOperation wraps fn in a span named license.<operation>.
func traceOperation(ctx context.Context, operation string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	tracer := otel.Tracer(TracerName)

	attrs = append(attrs,
		attribute.String("license.operation", operation),
		attribute.String("component", "license_manager"),
	)
	ctx, span := tracer.Start(ctx, "license."+operation, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(time.Since(start).Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_code", apperrors.LicenseErrorCode(err)))
	} else {
		span.SetStatus(codes.Ok, operation+" succeeded")
		infrastructure.AddSpanEvent(ctx, "license."+operation+".success", map[string]interface{}{
			"audit_category": "license_security",
		})
	}
	return err
}
