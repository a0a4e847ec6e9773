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

	apierrors "licensor/internal/errors"
	"licensor/internal/infrastructure"
)

const (
	TracerName = "licensor/license"
	MeterName  = "licensor/license"
)

// LicenseMetrics holds all license-specific OpenTelemetry instruments
type LicenseMetrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram
	Deactivations      metric.Int64Counter

	// Verification metrics
	VerificationAttempts metric.Int64Counter
	VerificationFailures metric.Int64Counter
	VerificationDuration metric.Float64Histogram

	// Issuance and signing
	LicensesIssued  metric.Int64Counter
	CodesRedeemed   metric.Int64Counter
	SigningDuration metric.Float64Histogram

	// Cache
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ActivationAttempts, "license_activation_attempts_total", "Total number of license activation attempts"},
		{&m.ActivationSuccess, "license_activation_success_total", "Total number of successful license activations"},
		{&m.ActivationFailures, "license_activation_failures_total", "Total number of failed license activations"},
		{&m.Deactivations, "license_deactivations_total", "Total number of device deactivations"},
		{&m.VerificationAttempts, "license_verification_attempts_total", "Total number of license verifications"},
		{&m.VerificationFailures, "license_verification_failures_total", "Total number of rejected license verifications"},
		{&m.LicensesIssued, "license_issued_total", "Total number of licenses issued"},
		{&m.CodesRedeemed, "license_code_redemptions_total", "Activation code redemptions by result"},
		{&m.CacheHits, "license_cache_hits_total", "License cache hits"},
		{&m.CacheMisses, "license_cache_misses_total", "License cache misses"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.ActivationDuration, "license_activation_duration_seconds", "License activation duration in seconds"},
		{&m.VerificationDuration, "license_verification_duration_seconds", "License verification duration in seconds"},
		{&m.SigningDuration, "license_signing_duration_seconds", "License signing duration in seconds"},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	return m, nil
}

// Instrumentation pairs the metrics with a tracer. A nil *Instrumentation
// or nil metrics only disables recording; spans still flow through the
// global tracer provider.
type Instrumentation struct {
	metrics *LicenseMetrics
	tracer  trace.Tracer
}

// NewInstrumentation builds instrumentation from meter
func NewInstrumentation(meter metric.Meter) (*Instrumentation, error) {
	m, err := InitializeLicenseMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Instrumentation{metrics: m, tracer: otel.Tracer(TracerName)}, nil
}

func (i *Instrumentation) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	if i != nil && i.tracer != nil {
		tracer = i.tracer
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (i *Instrumentation) enabled() bool {
	return i != nil && i.metrics != nil
}

// TraceActivation wraps an activation in a span and records its outcome
func (i *Instrumentation) TraceActivation(ctx context.Context, licenseKey string, fn func(ctx context.Context) error) error {
	ctx, span := i.start(ctx, "license.activation",
		attribute.String("license.operation", "activation"),
		attribute.String("license.key_prefix", maskLicenseKey(licenseKey)),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if i.enabled() {
		labels := metric.WithAttributes(attribute.String("operation", "activation"))
		i.metrics.ActivationAttempts.Add(ctx, 1, labels)
		i.metrics.ActivationDuration.Record(ctx, duration.Seconds(), labels)
		if err == nil {
			i.metrics.ActivationSuccess.Add(ctx, 1, labels)
		} else {
			i.metrics.ActivationFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", string(apierrors.KindOf(err)))))
		}
	}

	finishSpan(ctx, span, duration, err)
	if err == nil {
		infrastructure.AddSpanEvent(ctx, "license.activation.success", map[string]interface{}{
			"license_key_hash": hashLicenseKey(licenseKey),
			"audit_category":   "license_security",
		})
	}
	return err
}

// TraceVerification wraps a policy verification in a span
func (i *Instrumentation) TraceVerification(ctx context.Context, licenseKey string, fn func(ctx context.Context) error) error {
	ctx, span := i.start(ctx, "license.verification",
		attribute.String("license.operation", "verification"),
		attribute.String("license.key_prefix", maskLicenseKey(licenseKey)),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if i.enabled() {
		i.metrics.VerificationAttempts.Add(ctx, 1)
		i.metrics.VerificationDuration.Record(ctx, duration.Seconds())
		if err != nil {
			i.metrics.VerificationFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", string(apierrors.KindOf(err)))))
		}
	}

	finishSpan(ctx, span, duration, err)
	return err
}

// RecordDeactivation counts a freed slot
func (i *Instrumentation) RecordDeactivation(ctx context.Context) {
	if i.enabled() {
		i.metrics.Deactivations.Add(ctx, 1)
	}
}

// RecordIssued counts a newly issued license
func (i *Instrumentation) RecordIssued(ctx context.Context, project string) {
	if i.enabled() {
		i.metrics.LicensesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("project", project)))
	}
}

// RecordCodeRedemption counts a code redemption by result kind
func (i *Instrumentation) RecordCodeRedemption(ctx context.Context, err error) {
	if !i.enabled() {
		return
	}
	result := "success"
	if err != nil {
		result = string(apierrors.KindOf(err))
	}
	i.metrics.CodesRedeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSigning records the time spent producing a signature
func (i *Instrumentation) RecordSigning(ctx context.Context, d time.Duration) {
	if i.enabled() {
		i.metrics.SigningDuration.Record(ctx, d.Seconds())
	}
}

func (i *Instrumentation) recordCache(ctx context.Context, hit bool) {
	if !i.enabled() {
		return
	}
	if hit {
		i.metrics.CacheHits.Add(ctx, 1)
	} else {
		i.metrics.CacheMisses.Add(ctx, 1)
	}
}

func finishSpan(ctx context.Context, span trace.Span, duration time.Duration, err error) {
	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_kind", string(apierrors.KindOf(err))))
		return
	}
	span.SetStatus(codes.Ok, "")
}
