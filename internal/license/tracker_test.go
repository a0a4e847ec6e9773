package license

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	apierrors "licensor/internal/errors"
	"licensor/pkg/contracts/domain"
)

func TestActivate_CeilingSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "MOSTAGARE-AB12-CD34", 2)

	res, err := h.tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D1", domain.DeviceMeta{DeviceName: "desk"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, res.Status)
	assert.Equal(t, 1, res.Remaining)

	res, err = h.tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D1", domain.DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyActive, res.Status)
	assert.Equal(t, 1, res.Remaining)

	res, err = h.tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D2", domain.DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, res.Status)
	assert.Equal(t, 0, res.Remaining)

	_, err = h.tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D3", domain.DeviceMeta{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrActivationLimitReached)

	l, err := h.store.FindByKey(ctx, "MOSTAGARE-AB12-CD34")
	require.NoError(t, err)
	assert.Len(t, l.Activations, 2)
}

func TestActivate_ResignsAndVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "MOSTAGARE-AB12-CD34", 2)

	res, err := h.tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D1", domain.DeviceMeta{})
	require.NoError(t, err)
	require.NotNil(t, res.SignedLicense)

	ok, reason := h.signer.Verify(res.SignedLicense)
	assert.True(t, ok, reason)

	activations, ok := res.SignedLicense.License["activations"].([]any)
	require.True(t, ok)
	assert.Len(t, activations, 1)

	stored, err := h.store.Artifact(ctx, "MOSTAGARE-AB12-CD34")
	require.NoError(t, err)
	assert.Equal(t, res.SignedLicense.Signature, stored.Signature)
}

func TestActivate_AlreadyActiveDoesNotWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "MOSTAGARE-AB12-CD34", 2)

	first, err := h.tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D1", domain.DeviceMeta{DeviceName: "desk"})
	require.NoError(t, err)

	again, err := h.tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D1", domain.DeviceMeta{DeviceName: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, first.SignedLicense.Signature, again.SignedLicense.Signature)

	l, err := h.store.FindByKey(ctx, "MOSTAGARE-AB12-CD34")
	require.NoError(t, err)
	assert.Equal(t, "desk", l.Activations[0].DeviceName)
}

func TestActivate_PolicyGates(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		wantErr error
	}{
		{
			name:    "unknown license",
			setup:   func(t *testing.T, h *harness) {},
			wantErr: apierrors.ErrLicenseNotFound,
		},
		{
			name: "revoked",
			setup: func(t *testing.T, h *harness) {
				h.create(t, "K-0000-0001", 2)
				revoked := domain.LicenseStatusRevoked
				_, _, err := h.store.Update(context.Background(), "K-0000-0001", domain.LicensePatch{Status: &revoked})
				require.NoError(t, err)
			},
			wantErr: apierrors.ErrLicenseInactive,
		},
		{
			name: "expired",
			setup: func(t *testing.T, h *harness) {
				l := h.create(t, "K-0000-0001", 2)
				past := l.CreatedAt
				_, _, err := h.store.Update(context.Background(), "K-0000-0001", domain.LicensePatch{ExpiresAt: &past})
				require.NoError(t, err)
			},
			wantErr: apierrors.ErrLicenseExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)

			_, err := h.tracker.Activate(context.Background(), "K-0000-0001", "D1", domain.DeviceMeta{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestActivate_ExpiredAllowedWhenNotChecked(t *testing.T) {
	h := newHarness(t)
	h.setPolicy(func(p *domain.Policy) { p.ActivationRules.CheckExpiration = false })
	l := h.create(t, "K-0000-0001", 2)
	past := l.CreatedAt
	_, _, err := h.store.Update(context.Background(), "K-0000-0001", domain.LicensePatch{ExpiresAt: &past})
	require.NoError(t, err)

	res, err := h.tracker.Activate(context.Background(), "K-0000-0001", "D1", domain.DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, res.Status)
}

func TestActivate_RequiresDeviceID(t *testing.T) {
	h := newHarness(t)
	h.create(t, "K-0000-0001", 2)

	_, err := h.tracker.Activate(context.Background(), "K-0000-0001", "", domain.DeviceMeta{})
	assert.ErrorIs(t, err, apierrors.ErrDeviceIDRequired)
}

func TestActivate_TrackIPAddress(t *testing.T) {
	for _, track := range []bool{true, false} {
		t.Run(fmt.Sprintf("track=%v", track), func(t *testing.T) {
			h := newHarness(t)
			h.setPolicy(func(p *domain.Policy) { p.ActivationRules.TrackIPAddress = track })
			h.create(t, "K-0000-0001", 2)

			_, err := h.tracker.Activate(context.Background(), "K-0000-0001", "D1", domain.DeviceMeta{IPAddress: "203.0.113.7"})
			require.NoError(t, err)

			l, err := h.store.FindByKey(context.Background(), "K-0000-0001")
			require.NoError(t, err)
			if track {
				assert.Equal(t, "203.0.113.7", l.Activations[0].IPAddress)
			} else {
				assert.Empty(t, l.Activations[0].IPAddress)
			}
		})
	}
}

func TestDeactivate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "K-0000-0001", 1)

	_, err := h.tracker.Activate(ctx, "K-0000-0001", "D1", domain.DeviceMeta{})
	require.NoError(t, err)
	_, err = h.tracker.Activate(ctx, "K-0000-0001", "D2", domain.DeviceMeta{})
	require.ErrorIs(t, err, apierrors.ErrActivationLimitReached)

	l, changed, err := h.tracker.Deactivate(ctx, "K-0000-0001", "D1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, l.Remaining())
	require.NotNil(t, l.Activations[0].DeactivatedAt)

	l, changed, err = h.tracker.Deactivate(ctx, "K-0000-0001", "D1")
	require.NoError(t, err, "deactivation is idempotent")
	assert.False(t, changed)
	assert.Equal(t, 1, l.Remaining())

	_, _, err = h.tracker.Deactivate(ctx, "K-0000-0001", "nope")
	assert.ErrorIs(t, err, apierrors.ErrDeviceNotFound)

	res, err := h.tracker.Activate(ctx, "K-0000-0001", "D2", domain.DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)

	l, err = h.store.FindByKey(ctx, "K-0000-0001")
	require.NoError(t, err)
	assert.Len(t, l.Activations, 2, "deactivated slot stays in history")
	assert.Equal(t, 1, l.ActiveCount())
}

func TestDeactivate_ThenReactivateSameDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "K-0000-0001", 1)

	_, err := h.tracker.Activate(ctx, "K-0000-0001", "D1", domain.DeviceMeta{})
	require.NoError(t, err)
	_, _, err = h.tracker.Deactivate(ctx, "K-0000-0001", "D1")
	require.NoError(t, err)

	res, err := h.tracker.Activate(ctx, "K-0000-0001", "D1", domain.DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, res.Status)

	l, err := h.store.FindByKey(ctx, "K-0000-0001")
	require.NoError(t, err)
	require.Len(t, l.Activations, 1, "device records stay unique by id")
	assert.Nil(t, l.Activations[0].DeactivatedAt)
}

func TestActivate_ConcurrentNeverExceedsCeiling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "K-0000-0001", 3)

	var activated, limited int32
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			res, err := h.tracker.Activate(ctx, "K-0000-0001", fmt.Sprintf("device-%02d", i), domain.DeviceMeta{})
			switch {
			case err == nil && res.Status == domain.OutcomeActivated:
				atomic.AddInt32(&activated, 1)
			case err != nil && apierrors.KindOf(err) == apierrors.KindLimitReached:
				atomic.AddInt32(&limited, 1)
			case err != nil:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(3), activated)
	assert.Equal(t, int32(47), limited)

	l, err := h.store.FindByKey(ctx, "K-0000-0001")
	require.NoError(t, err)
	assert.Equal(t, 3, l.ActiveCount())

	reloaded, err := NewFileRepository(h.repo.path, h.logger)
	require.NoError(t, err)
	persisted, err := reloaded.Get(ctx, "K-0000-0001")
	require.NoError(t, err)
	assert.Len(t, persisted.Activations, 3)
}

func TestActivate_ConcurrentSameDeviceConsumesOneSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "K-0000-0001", 2)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := h.tracker.Activate(ctx, "K-0000-0001", "same-device", domain.DeviceMeta{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	l, err := h.store.FindByKey(ctx, "K-0000-0001")
	require.NoError(t, err)
	assert.Equal(t, 1, l.ActiveCount())
	assert.Equal(t, 1, l.Remaining())
}

func TestVerify_ReadOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "K-0000-0001", 1)

	res, err := h.tracker.Verify(ctx, "K-0000-0001", domain.VerifyRequest{DeviceID: "D1", Version: "2.1"})
	require.NoError(t, err)
	assert.Equal(t, "MOSTAGARE", res.Project)

	l, err := h.store.FindByKey(ctx, "K-0000-0001")
	require.NoError(t, err)
	assert.Empty(t, l.Activations, "verify never records an activation")

	_, err = h.tracker.Activate(ctx, "K-0000-0001", "D1", domain.DeviceMeta{})
	require.NoError(t, err)

	_, err = h.tracker.Verify(ctx, "K-0000-0001", domain.VerifyRequest{DeviceID: "D2"})
	assert.ErrorIs(t, err, apierrors.ErrActivationLimitReached)

	_, err = h.tracker.Verify(ctx, "K-0000-0001", domain.VerifyRequest{DeviceID: "D1"})
	assert.NoError(t, err)
}

func TestActiveDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "A-0000-0001", 2)
	h.create(t, "B-0000-0001", 2)

	for _, step := range []struct{ key, dev string }{
		{"A-0000-0001", "a1"}, {"A-0000-0001", "a2"}, {"B-0000-0001", "b1"},
	} {
		_, err := h.tracker.Activate(ctx, step.key, step.dev, domain.DeviceMeta{})
		require.NoError(t, err)
	}
	_, _, err := h.tracker.Deactivate(ctx, "A-0000-0001", "a2")
	require.NoError(t, err)

	views, err := h.tracker.ActiveDevices(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	ids := []string{views[0].Device.DeviceID, views[1].Device.DeviceID}
	assert.ElementsMatch(t, []string{"a1", "b1"}, ids)
}

func TestActivate_LogsMaskedKey(t *testing.T) {
	h := newHarness(t)
	h.create(t, "MOSTAGARE-AB12-CD34", 1)

	_, err := h.tracker.Activate(context.Background(), "MOSTAGARE-AB12-CD34", "D1", domain.DeviceMeta{})
	require.NoError(t, err)

	assert.True(t, h.logs.ContainsMessage("device activation accepted"))
	assert.True(t, h.logs.ContainsAttr("license_key_masked", "MOST****CD34"))
	for _, rec := range h.logs.GetRecords() {
		for _, v := range rec.Attrs {
			assert.NotEqual(t, "MOSTAGARE-AB12-CD34", v)
		}
	}
}
