package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Domain errors (sentinels, wrapped with %w and matched with errors.Is)
var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrCodeNotFound    = errors.New("activation code not found")
	ErrDeviceNotFound  = errors.New("device not activated on this license")
	ErrDuplicateKey    = errors.New("license key already exists")

	ErrLicenseExpired  = errors.New("license expired")
	ErrCodeExpired     = errors.New("activation code expired")
	ErrLicenseInactive = errors.New("license is not active")

	ErrActivationLimitReached = errors.New("activation limit reached")
	ErrCodeExhausted          = errors.New("activation code exhausted")

	ErrInvalidSignature = errors.New("invalid signature")

	ErrVersionNotAllowed = errors.New("version not allowed for this license")
	ErrDeviceIDRequired  = errors.New("device id required")
	ErrEmailNotAllowed   = errors.New("email not allowed for this project")
	ErrInvalidProject    = errors.New("invalid project")
	ErrInvalidPolicy     = errors.New("invalid policy")

	ErrInvalidTransition      = errors.New("invalid license status transition")
	ErrInvalidActivationLimit = errors.New("invalid activation limit")

	ErrKeyNotFound = errors.New("signing key not found")

	ErrRateLimited = errors.New("rate limited")
)

// Kind is the caller-facing classification of a domain error
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindDuplicate          Kind = "Duplicate"
	KindExpired            Kind = "Expired"
	KindLimitReached       Kind = "LimitReached"
	KindInvalidSignature   Kind = "InvalidSignature"
	KindPolicyViolation    Kind = "PolicyViolation"
	KindKeyMaterialMissing Kind = "KeyMaterialMissing"
	KindRateLimited        Kind = "RateLimited"
	KindInternal           Kind = "Internal"
)

// KindOf classifies err. Anything unrecognised is KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLicenseNotFound), errors.Is(err, ErrCodeNotFound),
		errors.Is(err, ErrDeviceNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateKey):
		return KindDuplicate
	case errors.Is(err, ErrLicenseExpired), errors.Is(err, ErrCodeExpired):
		return KindExpired
	case errors.Is(err, ErrActivationLimitReached), errors.Is(err, ErrCodeExhausted):
		return KindLimitReached
	case errors.Is(err, ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, ErrLicenseInactive), errors.Is(err, ErrVersionNotAllowed),
		errors.Is(err, ErrDeviceIDRequired), errors.Is(err, ErrEmailNotAllowed),
		errors.Is(err, ErrInvalidProject), errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidActivationLimit):
		return KindPolicyViolation
	case errors.Is(err, ErrKeyNotFound):
		return KindKeyMaterialMissing
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

type problemSpec struct {
	sentinel error
	status   int
	path     string
	title    string
	detail   string
	code     string
}

// problemTable is checked in order; the first matching sentinel wins.
var problemTable = []problemSpec{
	{ErrLicenseNotFound, http.StatusNotFound, "/errors/license/not-found", "License Not Found", "No license exists for the given key.", "LICENSE_NOT_FOUND"},
	{ErrCodeNotFound, http.StatusNotFound, "/errors/code/not-found", "Activation Code Not Found", "The activation code is unknown.", "CODE_NOT_FOUND"},
	{ErrDeviceNotFound, http.StatusNotFound, "/errors/license/device-not-found", "Device Not Found", "The device is not activated on this license.", "DEVICE_NOT_FOUND"},
	{ErrDuplicateKey, http.StatusConflict, "/errors/license/duplicate", "Duplicate License Key", "A license with this key already exists.", "DUPLICATE_KEY"},
	{ErrLicenseExpired, http.StatusGone, "/errors/license/expired", "License Expired", "The license has expired.", "LICENSE_EXPIRED"},
	{ErrCodeExpired, http.StatusGone, "/errors/code/expired", "Activation Code Expired", "The activation code has expired.", "CODE_EXPIRED"},
	{ErrActivationLimitReached, http.StatusForbidden, "/errors/license/activation-limit", "Activation Limit Reached", "The license has no free activation slots.", "ACTIVATION_LIMIT_REACHED"},
	{ErrCodeExhausted, http.StatusForbidden, "/errors/code/exhausted", "Activation Code Exhausted", "The activation code has been used on the maximum number of devices.", "CODE_EXHAUSTED"},
	{ErrInvalidSignature, http.StatusUnprocessableEntity, "/errors/license/invalid-signature", "Invalid Signature", "The signed license failed verification.", "INVALID_SIGNATURE"},
	{ErrLicenseInactive, http.StatusForbidden, "/errors/license/inactive", "License Inactive", "The license is not active.", "LICENSE_INACTIVE"},
	{ErrVersionNotAllowed, http.StatusForbidden, "/errors/policy/version", "Version Not Allowed", "The requested version is not covered by this license.", "VERSION_NOT_ALLOWED"},
	{ErrDeviceIDRequired, http.StatusForbidden, "/errors/policy/device-id", "Device ID Required", "An explicit device identifier is required.", "DEVICE_ID_REQUIRED"},
	{ErrEmailNotAllowed, http.StatusForbidden, "/errors/policy/email", "Email Not Allowed", "This project only accepts its registered email address.", "EMAIL_NOT_ALLOWED"},
	{ErrInvalidProject, http.StatusForbidden, "/errors/policy/project", "Invalid Project", "The project is not configured.", "INVALID_PROJECT"},
	{ErrInvalidPolicy, http.StatusBadRequest, "/errors/policy/invalid", "Invalid Policy", "The policy document failed validation.", "INVALID_POLICY"},
	{ErrInvalidTransition, http.StatusConflict, "/errors/license/transition", "Invalid Status Transition", "Licenses only move from ACTIVE to REVOKED or EXPIRED.", "INVALID_TRANSITION"},
	{ErrInvalidActivationLimit, http.StatusBadRequest, "/errors/license/activation-limit-invalid", "Invalid Activation Limit", "The activation limit must be between 1 and 100 and not below the active device count.", "INVALID_ACTIVATION_LIMIT"},
	{ErrKeyNotFound, http.StatusServiceUnavailable, "/errors/keys/missing", "Key Material Missing", "The signing keypair is not available.", "KEY_MATERIAL_MISSING"},
	{ErrRateLimited, http.StatusTooManyRequests, "/errors/rate-limited", "Too Many Requests", "Too many failed attempts. Please try again later.", "RATE_LIMITED"},
}

// MapDomainError maps domain errors to HTTP problem details.
// Unknown errors, including storage failures, become a generic 500.
func MapDomainError(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/api#trace-%s", traceID)
	kind := KindOf(err)

	for _, p := range problemTable {
		if errors.Is(err, p.sentinel) {
			pd := NewProblemDetails(p.status, p.path, p.title, p.detail, instance).
				WithExtension("trace_id", traceID).
				WithExtension("error_code", p.code).
				WithExtension("kind", string(kind))
			if p.sentinel == ErrRateLimited {
				pd.WithExtension("retry_after", 900)
			}
			return pd
		}
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request.",
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "INTERNAL_ERROR").
		WithExtension("kind", string(KindInternal))
}
