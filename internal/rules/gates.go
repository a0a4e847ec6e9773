package rules

import (
	"fmt"
	"time"

	apierrors "licensor/internal/errors"
	"licensor/pkg/contracts/domain"
)

// CheckUsable applies the status and expiration gates that precede any
// activation. It is the first half of Verify.
func CheckUsable(policy *domain.Policy, license *domain.License, now time.Time) error {
	if license.Status == domain.LicenseStatusRevoked {
		return fmt.Errorf("license %s is revoked: %w", license.Key, apierrors.ErrLicenseInactive)
	}
	if policy.ActivationRules.CheckExpiration &&
		(license.Status == domain.LicenseStatusExpired || license.IsExpired(now)) {
		return fmt.Errorf("license %s expired at %s: %w",
			license.Key, license.ExpiresAt.Format(time.RFC3339), apierrors.ErrLicenseExpired)
	}
	return nil
}

// Verify applies the gates in fixed order, short-circuiting on the first
// failure: status, version (when limit_by_version), expiration (when
// check_expiration), activation ceiling. It never mutates license.
func (e *Engine) Verify(license *domain.License, req domain.VerifyRequest) (*domain.VerifyResult, error) {
	return Verify(e.Current(), license, req, e.now())
}

// Verify is the engine-free form of Engine.Verify.
func Verify(policy *domain.Policy, license *domain.License, req domain.VerifyRequest, now time.Time) (*domain.VerifyResult, error) {
	if license.Status == domain.LicenseStatusRevoked {
		return nil, fmt.Errorf("license %s is revoked: %w", license.Key, apierrors.ErrLicenseInactive)
	}

	if policy.ActivationRules.LimitByVersion && license.Version != req.Version {
		return nil, fmt.Errorf("version %q not licensed (licensed %q): %w",
			req.Version, license.Version, apierrors.ErrVersionNotAllowed)
	}

	if err := CheckUsable(policy, license, now); err != nil {
		return nil, err
	}

	if !(req.DeviceID != "" && license.IsDeviceActive(req.DeviceID)) &&
		license.ActiveCount() >= license.MaxActivations {
		return nil, fmt.Errorf("license %s has %d/%d active devices: %w",
			license.Key, license.ActiveCount(), license.MaxActivations, apierrors.ErrActivationLimitReached)
	}

	return &domain.VerifyResult{
		Status:    license.EffectiveStatus(now),
		Project:   license.Project,
		ExpiresAt: license.ExpiresAt,
		DaysLeft:  license.DaysLeft(now),
	}, nil
}
