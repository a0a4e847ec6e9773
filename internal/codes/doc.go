// Package codes is the activation code registry.
//
// An activation code is a limited-use provisioning token. It carries a
// snapshot of the issuing project's policy (email, project, device ceiling
// and expiry window) and admits at most max_activations distinct devices.
// The "used" flag only marks the first redemption; used_count is the gate.
//
// Redemption is a per-code critical section:
//
//	reg := codes.NewRegistry(repo, engine, logger)
//	c, err := reg.Redeem(ctx, "A1B2-C3D4-E5F6-0718", deviceID)
//	switch {
//	case errors.Is(err, apierrors.ErrCodeExpired):
//	case errors.Is(err, apierrors.ErrCodeExhausted):
//	}
package codes
