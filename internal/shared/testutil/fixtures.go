package testutil

import (
	"time"

	"licensor/pkg/contracts/domain"
)

// FixedNow is the reference clock used by fixtures.
var FixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock returns a func usable as an injectable now().
func Clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// NewLicense returns an active license with no activations.
func NewLicense(key string, maxActivations int) *domain.License {
	return &domain.License{
		Key:            key,
		Email:          "client@example.com",
		Project:        "MOSTAGARE",
		Version:        "2.1",
		CreatedAt:      FixedNow.Add(-24 * time.Hour),
		ExpiresAt:      FixedNow.Add(365 * 24 * time.Hour),
		Status:         domain.LicenseStatusActive,
		MaxActivations: maxActivations,
		Activations:    []domain.DeviceActivation{},
	}
}

// NewCode returns an unused activation code valid for 30 days.
func NewCode(code string, maxActivations int) *domain.ActivationCode {
	return &domain.ActivationCode{
		Code:           code,
		Email:          "client@example.com",
		Project:        "MOSTAGARE",
		MaxActivations: maxActivations,
		CreatedAt:      FixedNow.Add(-time.Hour),
		ExpiresAt:      FixedNow.Add(30 * 24 * time.Hour),
		Activations:    []domain.CodeActivation{},
	}
}

// NewPolicy returns a permissive policy with one configured project.
func NewPolicy() *domain.Policy {
	return &domain.Policy{
		Projects: []domain.Project{
			{ID: "MOSTAGARE", Version: "2.1", Description: "Rental management"},
			{ID: "KIOSK", Version: "1.0", RequiredEmail: "ops@kiosk.example", MaxActivations: 5, LicenseDurationDays: 90},
		},
		DefaultRules: domain.DefaultRules{
			LicenseDurationDays: 365,
			MaxActivations:      3,
		},
		ActivationRules: domain.ActivationRules{
			CheckExpiration: true,
			TrackIPAddress:  true,
		},
		Security: domain.SecurityRules{
			RateLimitPerIPPerHour: 100,
			LogRequests:           true,
		},
	}
}
