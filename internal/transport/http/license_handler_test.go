package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apierrors "licensor/internal/errors"
	"licensor/internal/services"
	"licensor/pkg/contracts/domain"
)

func signedDoc(key string) *domain.SignedLicense {
	return &domain.SignedLicense{
		License:   map[string]any{"key": key, "project": "MOSTAGARE"},
		Signature: "c2ln",
		Alg:       "RSASSA-PSS-SHA256",
	}
}

func TestLicenseHandler_Issue(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setupMock  func(*MockLicenseService)
		wantStatus int
		check      func(*testing.T, map[string]interface{})
	}{
		{
			name: "new license is created",
			body: `{"email":"a@example.com","project":"MOSTAGARE"}`,
			setupMock: func(m *MockLicenseService) {
				m.On("Issue", mock.Anything, services.IssueRequest{Email: "a@example.com", Project: "MOSTAGARE"}).
					Return(&domain.IssueResult{Key: "MOSTAGARE-AAAA-BBBB", SignedLicense: signedDoc("MOSTAGARE-AAAA-BBBB")}, nil)
			},
			wantStatus: http.StatusCreated,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "MOSTAGARE-AAAA-BBBB", body["key"])
				assert.Equal(t, false, body["existing"])
				assert.NotNil(t, body["signed_license"])
			},
		},
		{
			name: "existing license returns 200",
			body: `{"email":"a@example.com","project":"MOSTAGARE"}`,
			setupMock: func(m *MockLicenseService) {
				m.On("Issue", mock.Anything, mock.Anything).
					Return(&domain.IssueResult{Key: "MOSTAGARE-AAAA-BBBB", Existing: true}, nil)
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["existing"])
			},
		},
		{
			name:       "invalid email fails validation",
			body:       `{"email":"nope","project":"MOSTAGARE"}`,
			setupMock:  func(m *MockLicenseService) {},
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "VALIDATION_FAILED", body["error_code"])
			},
		},
		{
			name:       "empty body",
			body:       "",
			setupMock:  func(m *MockLicenseService) {},
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "EMPTY_BODY", body["error_code"])
			},
		},
		{
			name: "unknown project",
			body: `{"email":"a@example.com","project":"NOPE"}`,
			setupMock: func(m *MockLicenseService) {
				m.On("Issue", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("project NOPE: %w", apierrors.ErrInvalidProject))
			},
			wantStatus: http.StatusForbidden,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "INVALID_PROJECT", body["error_code"])
				assert.Equal(t, "/api/licenses", body["instance"])
				assert.NotEmpty(t, body["trace_id"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			tt.setupMock(svc)

			rec := do(t, newLicenseRouter(t, svc), http.MethodPost, "/api/licenses", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			tt.check(t, decodeBody(t, rec))
			svc.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_RequestCode(t *testing.T) {
	svc := new(MockLicenseService)
	expires := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc.On("RequestCode", mock.Anything, domain.CodeParams{
		Email: "a@example.com", Project: "MOSTAGARE", Company: "Acme", Message: "hi",
	}).Return(&services.CodeRequestResult{Code: "ABCD-EFGH-JKLM-NPQR", Project: "MOSTAGARE", ExpiresAt: expires, ExpiresInDays: 30}, nil)

	rec := do(t, newLicenseRouter(t, svc), http.MethodPost, "/api/request-activation-code",
		`{"email":"a@example.com","project":"MOSTAGARE","company":"Acme","message":"hi"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ABCD-EFGH-JKLM-NPQR", body["code"])
	assert.Equal(t, float64(30), body["expires_in_days"])
	svc.AssertExpectations(t)
}

func TestLicenseHandler_Activate(t *testing.T) {
	t.Run("passes device hints from the request", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("Activate", mock.Anything, mock.MatchedBy(func(req services.ActivateRequest) bool {
			return req.LicenseKey == "MOSTAGARE-AAAA-BBBB" &&
				req.DeviceName == "front desk" &&
				req.Hints.MachineID == "machine-7" &&
				req.Hints.ClientIP == "203.0.113.7" &&
				req.Hints.UserAgent == "client/1.0"
		})).Return(&domain.ActivationResult{
			Status:         domain.OutcomeActivated,
			LicenseKey:     "MOSTAGARE-AAAA-BBBB",
			DeviceID:       "machine-7",
			Project:        "MOSTAGARE",
			Remaining:      2,
			MaxActivations: 3,
		}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/activate",
			strings.NewReader(`{"license_key":"MOSTAGARE-AAAA-BBBB","device_name":"front desk"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(MachineIDHeader, "machine-7")
		req.Header.Set("User-Agent", "client/1.0")
		req.RemoteAddr = "203.0.113.7:51000"
		rec := httptest.NewRecorder()
		newLicenseRouter(t, svc).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "activated", body["status"])
		assert.Equal(t, float64(2), body["remaining_activations"])
		svc.AssertExpectations(t)
	})

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"neither key nor code", `{"device_id":"d1"}`, nil, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"limit reached", `{"license_key":"K","device_id":"d9"}`, apierrors.ErrActivationLimitReached, http.StatusForbidden, "ACTIVATION_LIMIT_REACHED"},
		{"expired code", `{"activation_code":"ABCD-EFGH-JKLM-NPQR","device_id":"d1"}`, apierrors.ErrCodeExpired, http.StatusGone, "CODE_EXPIRED"},
		{"blocked caller", `{"activation_code":"ABCD-EFGH-JKLM-NPQR","device_id":"d1"}`, apierrors.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"revoked license", `{"license_key":"K","device_id":"d1"}`, apierrors.ErrLicenseInactive, http.StatusForbidden, "LICENSE_INACTIVE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			if tt.err != nil {
				svc.On("Activate", mock.Anything, mock.Anything).Return(nil, tt.err)
			}

			rec := do(t, newLicenseRouter(t, svc), http.MethodPost, "/api/activate", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeBody(t, rec)["error_code"])
			svc.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_Deactivate(t *testing.T) {
	t.Run("body", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("Deactivate", mock.Anything, "K", "d1").Return(nil)

		rec := do(t, newLicenseRouter(t, svc), http.MethodPost, "/api/deactivate", `{"license_key":"K","device_id":"d1"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "deactivated", decodeBody(t, rec)["status"])
		svc.AssertExpectations(t)
	})

	t.Run("path", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("Deactivate", mock.Anything, "K", "d2").Return(apierrors.ErrDeviceNotFound)

		rec := do(t, newLicenseRouter(t, svc), http.MethodDelete, "/api/deactivate/K/d2", "")

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "DEVICE_NOT_FOUND", decodeBody(t, rec)["error_code"])
		svc.AssertExpectations(t)
	})

	t.Run("missing device", func(t *testing.T) {
		svc := new(MockLicenseService)
		rec := do(t, newLicenseRouter(t, svc), http.MethodPost, "/api/deactivate", `{"license_key":"K"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Deactivate", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestLicenseHandler_Verify(t *testing.T) {
	svc := new(MockLicenseService)
	expires := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	svc.On("Verify", mock.Anything, services.VerifyRequest{LicenseKey: "K", DeviceID: "d1", Version: "2.1"}).
		Return(&domain.VerifyResult{Status: domain.LicenseStatusActive, Project: "MOSTAGARE", ExpiresAt: expires, DaysLeft: 300}, nil)
	svc.On("Verify", mock.Anything, services.VerifyRequest{LicenseKey: "K", DeviceID: "d1", Version: "1.0"}).
		Return(nil, apierrors.ErrVersionNotAllowed)

	router := newLicenseRouter(t, svc)

	rec := do(t, router, http.MethodGet, "/api/verify?key=K&device_id=d1&version=2.1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ACTIVE", body["status"])
	assert.Equal(t, "MOSTAGARE", body["project"])

	rec = do(t, router, http.MethodGet, "/api/verify?license_key=K&device_id=d1&version=1.0", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "VERSION_NOT_ALLOWED", decodeBody(t, rec)["error_code"])
	svc.AssertExpectations(t)
}

func TestLicenseHandler_Download(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		target      string
		form        string
		key, code   string
		err         error
		wantStatus  int
		wantAttachm bool
	}{
		{"by key", http.MethodGet, "/api/download-license?key=K1", "", "K1", "", nil, http.StatusOK, true},
		{"by code", http.MethodGet, "/api/download-license?code=ABCD-EFGH-JKLM-NPQR", "", "", "ABCD-EFGH-JKLM-NPQR", nil, http.StatusOK, true},
		{"form code", http.MethodPost, "/api/download-license", "activationCode=ABCD-EFGH-JKLM-NPQR", "", "ABCD-EFGH-JKLM-NPQR", nil, http.StatusOK, true},
		{"unknown code", http.MethodGet, "/api/download-license?code=ZZZZ-ZZZZ-ZZZZ-ZZZZ", "", "", "ZZZZ-ZZZZ-ZZZZ-ZZZZ", apierrors.ErrCodeNotFound, http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			if tt.err != nil {
				svc.On("Download", mock.Anything, tt.key, tt.code).Return(nil, tt.err)
			} else {
				svc.On("Download", mock.Anything, tt.key, tt.code).Return(signedDoc("K1"), nil)
			}

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.form))
			if tt.form != "" {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			rec := httptest.NewRecorder()
			newLicenseRouter(t, svc).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantAttachm {
				assert.Contains(t, rec.Header().Get("Content-Disposition"), "K1.signed.json")
				assert.Equal(t, "RSASSA-PSS-SHA256", decodeBody(t, rec)["alg"])
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_VerifySignature(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("VerifySignature", mock.Anything, []byte(`{not json`)).
		Return(services.SignatureCheck{Valid: false, Reason: "malformed_document"})

	rec := do(t, newLicenseRouter(t, svc), http.MethodPost, "/api/verify-signature", `{not json`)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "malformed_document", body["reason"])
	svc.AssertExpectations(t)
}

func TestLicenseHandler_Softwares(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("Projects", mock.Anything).Return([]domain.ProjectSummary{
		{ID: "MOSTAGARE", Name: "MOSTAGARE", Version: "2.1"},
		{ID: "KIOSK", Name: "KIOSK", Version: "1.0"},
	})

	rec := do(t, newLicenseRouter(t, svc), http.MethodGet, "/api/softwares", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	require.Len(t, body["softwares"], 2)
}

func TestLicenseHandler_PublicKey(t *testing.T) {
	pem := []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n")

	t.Run("pem", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("PublicKey", mock.Anything).Return(pem, nil)

		rec := do(t, newLicenseRouter(t, svc), http.MethodGet, "/api/keys/public", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))
		assert.Equal(t, string(pem), rec.Body.String())
	})

	t.Run("json", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("PublicKey", mock.Anything).Return(pem, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/keys/public", nil)
		req.Header.Set("Accept", "application/json")
		rec := httptest.NewRecorder()
		newLicenseRouter(t, svc).ServeHTTP(rec, req)

		assert.Equal(t, string(pem), decodeBody(t, rec)["public_key"])
	})

	t.Run("missing", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("PublicKey", mock.Anything).Return(nil, apierrors.ErrKeyNotFound)

		rec := do(t, newLicenseRouter(t, svc), http.MethodGet, "/api/keys/public", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "KEY_MATERIAL_MISSING", decodeBody(t, rec)["error_code"])
	})
}
