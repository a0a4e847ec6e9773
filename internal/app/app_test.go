package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"licensor/internal/config"
	"licensor/internal/shared/testutil"
	"licensor/pkg/contracts/domain"
)

const (
	adminToken = "admin-secret"
	apiToken   = "client-secret"
)

func newTestApp(t *testing.T, mutate func(*domain.Policy)) *Application {
	t.Helper()

	adminHash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)
	apiHash, err := bcrypt.GenerateFromPassword([]byte(apiToken), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	dir := t.TempDir()
	cfg.Paths.DataDir = dir + "/data"
	cfg.Paths.LogsDir = dir + "/logs"
	cfg.Security.AdminTokenHash = string(adminHash)
	cfg.Security.APITokenHashes = []string{string(apiHash)}
	cfg.Telemetry.TraceExporter = "none"

	logger, _ := testutil.NewTestLogger(t)
	a, err := NewWithConfig(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	policy := testutil.NewPolicy()
	if mutate != nil {
		mutate(policy)
	}
	_, err = a.Services.Rules.Update(context.Background(), policy, "test setup")
	require.NoError(t, err)

	return a
}

func call(t *testing.T, a *Application, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestNewWithConfig(t *testing.T) {
	a := newTestApp(t, nil)

	require.NotNil(t, a.Router)
	require.NotNil(t, a.Server)
	assert.Equal(t, ":8080", a.Server.Addr)
	assert.True(t, a.Services.Keys.Exists(), "signing keypair is created at startup")
	assert.FileExists(t, a.Paths.PrivateKeyFile())
	assert.FileExists(t, a.Paths.PublicKeyFile())
}

func TestNewWithConfig_BadStorage(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Paths.DataDir = dir + "/data"
	cfg.Paths.LogsDir = dir + "/logs"
	cfg.Storage.Driver = config.DriverPostgres
	cfg.Storage.PostgresDSN = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

	logger, _ := testutil.NewTestLogger(t)
	_, err := NewWithConfig(context.Background(), cfg, logger)
	require.Error(t, err)
}

func TestHealthRoutes(t *testing.T) {
	a := newTestApp(t, nil)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"health", "/health", http.StatusOK},
		{"api health", "/api/health", http.StatusOK},
		{"ready", "/api/health/ready", http.StatusOK},
		{"live", "/api/health/live", http.StatusOK},
		{"version", "/api/version", http.StatusOK},
		{"metrics", "/metrics", http.StatusOK},
		{"unknown route", "/api/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, a, http.MethodGet, tt.target, nil, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	a := newTestApp(t, nil)

	rec := call(t, a, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	a := newTestApp(t, nil)

	codeBody := map[string]interface{}{"email": "user@example.com", "project": "MOSTAGARE"}

	tests := []struct {
		name    string
		method  string
		target  string
		body    interface{}
		headers map[string]string
		want    int
	}{
		{"rules without token", http.MethodGet, "/api/admin/rules", nil, nil, http.StatusUnauthorized},
		{"rules with wrong token", http.MethodGet, "/api/admin/rules", nil, bearer("nope"), http.StatusUnauthorized},
		{"rules with token", http.MethodGet, "/api/admin/rules", nil, bearer(adminToken), http.StatusOK},
		{"events without token", http.MethodGet, "/api/admin/events", nil, nil, http.StatusUnauthorized},
		{"events without upgrade", http.MethodGet, "/api/admin/events", nil, bearer(adminToken), http.StatusBadRequest},
		{"generate code without token", http.MethodPost, "/api/codes", codeBody, nil, http.StatusUnauthorized},
		{"generate code with token", http.MethodPost, "/api/codes", codeBody, bearer(adminToken), http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, a, tt.method, tt.target, tt.body, tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestLicenseLifecycle(t *testing.T) {
	a := newTestApp(t, nil)

	rec := call(t, a, http.MethodPost, "/api/licenses",
		map[string]string{"email": "user@example.com", "project": "MOSTAGARE"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decode(t, rec)
	key, _ := issued["key"].(string)
	require.NotEmpty(t, key)
	assert.Equal(t, false, issued["existing"])

	rec = call(t, a, http.MethodPost, "/api/activate",
		map[string]string{"license_key": key, "device_id": "device-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	activated := decode(t, rec)
	assert.Equal(t, string(domain.OutcomeActivated), activated["status"])
	assert.Equal(t, "device-1", activated["device_id"])

	rec = call(t, a, http.MethodGet, "/api/verify?key="+key+"&device_id=device-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.LicenseStatusActive), decode(t, rec)["status"])

	rec = call(t, a, http.MethodGet, "/api/download-license?key="+key, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	document := rec.Body.Bytes()

	req := httptest.NewRequest(http.MethodPost, "/api/verify-signature", bytes.NewReader(document))
	req.Header.Set("Content-Type", "application/json")
	sigRec := httptest.NewRecorder()
	a.Router.ServeHTTP(sigRec, req)
	require.Equal(t, http.StatusOK, sigRec.Code)
	assert.Equal(t, true, decode(t, sigRec)["valid"])

	rec = call(t, a, http.MethodPost, "/api/deactivate",
		map[string]string{"license_key": key, "device_id": "device-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "deactivated", decode(t, rec)["status"])

	rec = call(t, a, http.MethodGet, "/api/admin/licenses", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestActivateWithCode(t *testing.T) {
	a := newTestApp(t, nil)

	rec := call(t, a, http.MethodPost, "/api/codes",
		map[string]interface{}{"email": "user@example.com", "project": "MOSTAGARE"}, bearer(adminToken))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	code, _ := decode(t, rec)["code"].(string)
	require.NotEmpty(t, code)

	rec = call(t, a, http.MethodPost, "/api/activate",
		map[string]string{"activation_code": code, "device_id": "device-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.OutcomeActivated), decode(t, rec)["status"])

	rec = call(t, a, http.MethodGet, "/api/download-license?code="+code, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestUnknownLicenseIsProblem(t *testing.T) {
	a := newTestApp(t, nil)

	rec := call(t, a, http.MethodGet, "/api/verify?key=NOPE-0000-0000", nil, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "LICENSE_NOT_FOUND", decode(t, rec)["error_code"])
}

func TestPerIPRateLimit(t *testing.T) {
	a := newTestApp(t, func(p *domain.Policy) {
		p.Security.RateLimitPerIPPerHour = 2
	})

	for i := 0; i < 2; i++ {
		rec := call(t, a, http.MethodGet, "/api/softwares", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := call(t, a, http.MethodGet, "/api/softwares", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health is outside the per-IP limit
	rec = call(t, a, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPITokenPolicy(t *testing.T) {
	a := newTestApp(t, func(p *domain.Policy) {
		p.Security.RequireAPIToken = true
	})

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"X-API-Token": "wrong"}, http.StatusUnauthorized},
		{"header", map[string]string{"X-API-Token": apiToken}, http.StatusOK},
		{"bearer", bearer(apiToken), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, a, http.MethodGet, "/api/softwares", nil, tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
