package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licensor/internal/infrastructure"
)

// logAction logs a specific action with structured data and trace correlation
func logAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	allAttrs := []slog.Attr{
		slog.String("action", action),
		slog.String("result", result),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logLicenseAction logs license-specific actions without exposing the key or email
func logLicenseAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result, licenseKey, email string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.key_prefix", maskLicenseKey(licenseKey)),
			attribute.String("license.operation_category", operationCategory(action)),
		)
	}

	licenseAttrs := []slog.Attr{
		slog.String("license_key_masked", maskLicenseKey(licenseKey)),
		slog.String("license_key_hash", hashLicenseKey(licenseKey)),
		slog.String("license_operation_category", operationCategory(action)),
	}
	if email != "" {
		licenseAttrs = append(licenseAttrs, slog.String("user_email_masked", maskEmail(email)))
	}
	licenseAttrs = append(licenseAttrs, attrs...)

	logAction(ctx, logger, level, action, result, licenseAttrs...)
}

// maskLicenseKey keeps the first and last four characters
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// maskEmail masks the local part while preserving the domain for analytics
func maskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIndex := strings.Index(email, "@")
	if atIndex == -1 {
		return "****"
	}

	username := email[:atIndex]
	domain := email[atIndex:]

	if len(username) <= 2 {
		return "**" + domain
	}

	return username[:1] + "****" + username[len(username)-1:] + domain
}

// hashLicenseKey is the audit correlation id for a key
func hashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}

func operationCategory(action string) string {
	switch {
	case strings.Contains(action, "activat"):
		return "activation"
	case strings.Contains(action, "verif"):
		return "verification"
	case strings.Contains(action, "issue"), strings.Contains(action, "create"):
		return "issuance"
	case strings.Contains(action, "update"), strings.Contains(action, "revoke"), strings.Contains(action, "delete"):
		return "administration"
	default:
		return "other"
	}
}

// MaskLicenseKey is exported for other packages that log keys
func MaskLicenseKey(key string) string { return maskLicenseKey(key) }

// MaskEmail is exported for other packages that log emails
func MaskEmail(email string) string { return maskEmail(email) }
