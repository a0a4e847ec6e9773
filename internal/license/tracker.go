package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apierrors "licensor/internal/errors"
	"licensor/internal/rules"
	"licensor/pkg/contracts/domain"
)

// PolicySource supplies the current policy. *rules.Engine satisfies it.
type PolicySource interface {
	Current() *domain.Policy
}

// Tracker enforces the per-license activation ceiling. All checks and the
// append happen inside one Store.Mutate, so concurrent activations of the
// same license are serialized and can never exceed max_activations.
type Tracker struct {
	store  *Store
	policy PolicySource
	inst   *Instrumentation
	logger *slog.Logger
	now    func() time.Time
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithTrackerClock overrides time.Now
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithTrackerInstrumentation attaches spans and metrics
func WithTrackerInstrumentation(i *Instrumentation) TrackerOption {
	return func(t *Tracker) { t.inst = i }
}

// NewTracker creates an activation tracker
func NewTracker(store *Store, policy PolicySource, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		policy: policy,
		logger: logger.With(slog.String("component", "activation_tracker")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Activate binds deviceID to the license. Re-activating an active device is
// idempotent and never consumes a slot.
func (t *Tracker) Activate(ctx context.Context, licenseKey, deviceID string, meta domain.DeviceMeta) (*domain.ActivationResult, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("activate %s: %w", maskLicenseKey(licenseKey), apierrors.ErrDeviceIDRequired)
	}

	var result *domain.ActivationResult
	err := t.inst.TraceActivation(ctx, licenseKey, func(ctx context.Context) error {
		policy := t.policy.Current()
		now := t.now().UTC()
		outcome := domain.OutcomeActivated

		l, artifact, err := t.store.Mutate(ctx, licenseKey, func(l *domain.License) error {
			if err := rules.CheckUsable(policy, l, now); err != nil {
				return err
			}

			idx := l.FindActivation(deviceID)
			if idx >= 0 && l.Activations[idx].Status == domain.DeviceStatusActive {
				outcome = domain.OutcomeAlreadyActive
				return errUnchanged
			}
			if l.ActiveCount() >= l.MaxActivations {
				return fmt.Errorf("license %s has %d/%d active devices: %w",
					maskLicenseKey(l.Key), l.ActiveCount(), l.MaxActivations, apierrors.ErrActivationLimitReached)
			}

			rec := domain.DeviceActivation{
				DeviceID:   deviceID,
				DeviceName: meta.DeviceName,
				OSInfo:     meta.OSInfo,
				Hostname:   meta.Hostname,
				Timestamp:  now,
				Status:     domain.DeviceStatusActive,
			}
			if policy.ActivationRules.TrackIPAddress {
				rec.IPAddress = meta.IPAddress
			}
			if idx >= 0 {
				l.Activations[idx] = rec
			} else {
				l.Activations = append(l.Activations, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = &domain.ActivationResult{
			Status:         outcome,
			LicenseKey:     l.Key,
			DeviceID:       deviceID,
			Project:        l.Project,
			Remaining:      l.Remaining(),
			MaxActivations: l.MaxActivations,
			ExpiresAt:      l.ExpiresAt,
			SignedLicense:  artifact,
		}
		return nil
	})
	if err != nil {
		logLicenseAction(ctx, t.logger, slog.LevelWarn, "device_activation", "activation rejected", licenseKey, "",
			slog.String("device_id", deviceID),
			slog.String("kind", string(apierrors.KindOf(err))),
			slog.String("error", err.Error()))
		return nil, err
	}

	logLicenseAction(ctx, t.logger, slog.LevelInfo, "device_activation", "device activation accepted", licenseKey, "",
		slog.String("device_id", deviceID),
		slog.String("outcome", string(result.Status)),
		slog.Int("remaining", result.Remaining))
	return result, nil
}

// Deactivate frees the device's slot and reports whether anything changed.
// Deactivating an already deactivated device succeeds without change.
func (t *Tracker) Deactivate(ctx context.Context, licenseKey, deviceID string) (*domain.License, bool, error) {
	if deviceID == "" {
		return nil, false, fmt.Errorf("deactivate %s: %w", maskLicenseKey(licenseKey), apierrors.ErrDeviceIDRequired)
	}

	changed := false
	l, _, err := t.store.Mutate(ctx, licenseKey, func(l *domain.License) error {
		idx := l.FindActivation(deviceID)
		if idx < 0 {
			return fmt.Errorf("device %s on %s: %w", deviceID, maskLicenseKey(l.Key), apierrors.ErrDeviceNotFound)
		}
		if l.Activations[idx].Status == domain.DeviceStatusDeactivated {
			return errUnchanged
		}
		at := t.now().UTC()
		l.Activations[idx].Status = domain.DeviceStatusDeactivated
		l.Activations[idx].DeactivatedAt = &at
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		t.inst.RecordDeactivation(ctx)
	}
	logLicenseAction(ctx, t.logger, slog.LevelInfo, "device_deactivation", "device deactivated", licenseKey, "",
		slog.String("device_id", deviceID),
		slog.Bool("changed", changed),
		slog.Int("remaining", l.Remaining()))
	return l, changed, nil
}

// Verify applies the policy gates to the license without mutating it.
func (t *Tracker) Verify(ctx context.Context, licenseKey string, req domain.VerifyRequest) (*domain.VerifyResult, error) {
	var result *domain.VerifyResult
	err := t.inst.TraceVerification(ctx, licenseKey, func(ctx context.Context) error {
		l, err := t.store.FindByKey(ctx, licenseKey)
		if err != nil {
			return err
		}
		result, err = rules.Verify(t.policy.Current(), l, req, t.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ActiveDevices lists every active device across all licenses.
func (t *Tracker) ActiveDevices(ctx context.Context) ([]domain.ActiveDeviceView, error) {
	all, err := t.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := []domain.ActiveDeviceView{}
	for _, l := range all {
		for _, d := range l.ActiveDevices() {
			out = append(out, domain.ActiveDeviceView{
				LicenseKey: l.Key,
				Email:      l.Email,
				Project:    l.Project,
				Device:     d,
			})
		}
	}
	return out, nil
}
