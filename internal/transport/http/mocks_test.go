package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apierrors "licensor/internal/errors"
	"licensor/internal/middleware"
	"licensor/internal/services"
	"licensor/internal/shared/testutil"
	"licensor/pkg/contracts/domain"
)

// MockLicenseService implements services.LicenseService for testing
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Issue(ctx context.Context, req services.IssueRequest) (*domain.IssueResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IssueResult), args.Error(1)
}

func (m *MockLicenseService) RequestCode(ctx context.Context, params domain.CodeParams) (*services.CodeRequestResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.CodeRequestResult), args.Error(1)
}

func (m *MockLicenseService) Activate(ctx context.Context, req services.ActivateRequest) (*domain.ActivationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ActivationResult), args.Error(1)
}

func (m *MockLicenseService) Deactivate(ctx context.Context, licenseKey, deviceID string) error {
	return m.Called(ctx, licenseKey, deviceID).Error(0)
}

func (m *MockLicenseService) Verify(ctx context.Context, req services.VerifyRequest) (*domain.VerifyResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VerifyResult), args.Error(1)
}

func (m *MockLicenseService) Download(ctx context.Context, licenseKey, code string) (*domain.SignedLicense, error) {
	args := m.Called(ctx, licenseKey, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SignedLicense), args.Error(1)
}

func (m *MockLicenseService) VerifySignature(ctx context.Context, document []byte) services.SignatureCheck {
	return m.Called(ctx, document).Get(0).(services.SignatureCheck)
}

func (m *MockLicenseService) Projects(ctx context.Context) []domain.ProjectSummary {
	return m.Called(ctx).Get(0).([]domain.ProjectSummary)
}

func (m *MockLicenseService) PublicKey(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockAdminService implements services.AdminService for testing
type MockAdminService struct {
	mock.Mock
}

func (m *MockAdminService) Rules(ctx context.Context) *domain.Policy {
	return m.Called(ctx).Get(0).(*domain.Policy)
}

func (m *MockAdminService) UpdateRules(ctx context.Context, next *domain.Policy, reason string) (*domain.Policy, error) {
	args := m.Called(ctx, next, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Policy), args.Error(1)
}

func (m *MockAdminService) ResetRules(ctx context.Context) (*domain.Policy, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Policy), args.Error(1)
}

func (m *MockAdminService) RulesHistory(ctx context.Context) ([]domain.PolicyHistoryEntry, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.PolicyHistoryEntry), args.Error(1)
}

func (m *MockAdminService) ListLicenses(ctx context.Context, q string) ([]*domain.License, error) {
	args := m.Called(ctx, q)
	return args.Get(0).([]*domain.License), args.Error(1)
}

func (m *MockAdminService) DeleteLicense(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockAdminService) SetMaxActivations(ctx context.Context, key string, max int) (*domain.License, error) {
	args := m.Called(ctx, key, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.License), args.Error(1)
}

func (m *MockAdminService) RevokeLicense(ctx context.Context, key string) (*domain.License, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.License), args.Error(1)
}

func (m *MockAdminService) GenerateCode(ctx context.Context, params domain.CodeParams) (*domain.ActivationCode, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ActivationCode), args.Error(1)
}

func (m *MockAdminService) ListCodes(ctx context.Context) ([]*domain.ActivationCode, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*domain.ActivationCode), args.Error(1)
}

func (m *MockAdminService) DeleteCode(ctx context.Context, code string) error {
	return m.Called(ctx, code).Error(0)
}

func (m *MockAdminService) ActiveDevices(ctx context.Context) ([]domain.ActiveDeviceView, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.ActiveDeviceView), args.Error(1)
}

func (m *MockAdminService) RecentEvents(ctx context.Context, limit int) ([]domain.ActivationEvent, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.ActivationEvent), args.Error(1)
}

func (m *MockAdminService) EnsureKeys(ctx context.Context) (*services.KeyInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.KeyInfo), args.Error(1)
}

// handlerDeps builds the shared validator and error handler used by handlers
func handlerDeps(t *testing.T) (*middleware.ValidationMiddleware, *apierrors.ErrorHandler, *testutil.BufferedSlogHandler) {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	errs := apierrors.NewErrorHandler(logger, false)
	return middleware.NewValidationMiddleware(logger, errs), errs, logs
}

func newLicenseRouter(t *testing.T, svc services.LicenseService) http.Handler {
	t.Helper()
	validator, errs, _ := handlerDeps(t)
	logger, _ := testutil.NewTestLogger(t)
	h := NewLicenseHandler(svc, validator, errs, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api", h.Routes)
	return r
}

func newAdminRouter(t *testing.T, svc services.AdminService) http.Handler {
	t.Helper()
	validator, errs, _ := handlerDeps(t)
	logger, _ := testutil.NewTestLogger(t)
	h := NewAdminHandler(svc, validator, errs, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/admin", h.Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}
