// Package license owns the license table and the per-device activation
// ceiling.
//
// Store is the only writer of license records. Each mutation takes a
// per-key lock, is committed by the Repository as one atomic
// read-modify-write (an in-memory table rewritten atomically for the file
// driver, a SELECT ... FOR UPDATE transaction for postgres) and is re-signed
// inside that critical section so the stored record and its SignedLicense
// always agree.
//
// Tracker builds activation and deactivation on top of Store.Mutate:
//
//	result, err := tracker.Activate(ctx, "MOSTAGARE-AB12-CD34", "D1", domain.DeviceMeta{DeviceName: "desk"})
//	switch {
//	case errors.Is(err, apierrors.ErrActivationLimitReached):
//		// every slot is taken
//	case err == nil && result.Status == domain.OutcomeAlreadyActive:
//		// idempotent re-activation, no slot consumed
//	}
//
// Keys and emails never appear in logs in clear text; logLicenseAction
// masks them and adds a short SHA-256 correlation hash of the key.
package license
