package license

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"licensor/internal/shared/testutil"
)

func TestMaskLicenseKey(t *testing.T) {
	assert.Equal(t, "MOST****CD34", MaskLicenseKey("MOSTAGARE-AB12-CD34"))
	assert.Equal(t, "****", MaskLicenseKey("SHORT"))
	assert.Equal(t, "****", MaskLicenseKey(""))
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"client@example.com": "c****t@example.com",
		"ab@example.com":     "**@example.com",
		"not-an-email":       "****",
		"":                   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskEmail(in), in)
	}
}

func TestHashLicenseKey(t *testing.T) {
	a := hashLicenseKey("MOSTAGARE-AB12-CD34")
	assert.Len(t, a, 16)
	assert.Equal(t, a, hashLicenseKey("MOSTAGARE-AB12-CD34"))
	assert.NotEqual(t, a, hashLicenseKey("MOSTAGARE-AB12-CD35"))
	assert.Empty(t, hashLicenseKey(""))
}

func TestOperationCategory(t *testing.T) {
	assert.Equal(t, "activation", operationCategory("device_activation"))
	assert.Equal(t, "activation", operationCategory("device_deactivation"))
	assert.Equal(t, "verification", operationCategory("license_verify"))
	assert.Equal(t, "issuance", operationCategory("license_create"))
	assert.Equal(t, "administration", operationCategory("license_delete"))
	assert.Equal(t, "other", operationCategory("download"))
}

func TestLogLicenseAction(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)

	logLicenseAction(context.Background(), logger, slog.LevelInfo, "license_create", "license created",
		"MOSTAGARE-AB12-CD34", "client@example.com", slog.String("project", "MOSTAGARE"))

	testutil.AssertLogContains(t, logs, slog.LevelInfo, "license created")
	assert.True(t, logs.ContainsAttr("license_key_masked", "MOST****CD34"))
	assert.True(t, logs.ContainsAttr("user_email_masked", "c****t@example.com"))
	assert.True(t, logs.ContainsAttr("license_operation_category", "issuance"))
	assert.True(t, logs.ContainsAttr("project", "MOSTAGARE"))
}
