package rules

import "licensor/pkg/contracts/domain"

// Default returns the built-in policy used on first start and by Reset.
func Default() *domain.Policy {
	return &domain.Policy{
		Projects: []domain.Project{},
		DefaultRules: domain.DefaultRules{
			LicenseDurationDays:   365,
			MaxActivations:        3,
			RestrictSameEmail:     false,
			AllowMultipleVersions: true,
		},
		ActivationRules: domain.ActivationRules{
			RequireDeviceID: false,
			CheckExpiration: true,
			TrackIPAddress:  true,
			LimitByVersion:  false,
		},
		Security: domain.SecurityRules{
			RequireAPIToken:       false,
			RateLimitPerIPPerHour: 100,
			LogRequests:           true,
		},
	}
}
