package domain

import "time"

// CodeActivation records a machine that redeemed an activation code
type CodeActivation struct {
	MachineID   string    `json:"machine_id"`
	MachineName string    `json:"machine_name,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

// ActivationCode is a limited-use provisioning token gating license issuance.
type ActivationCode struct {
	Code              string           `json:"code"`
	Email             string           `json:"email"`
	Project           string           `json:"project"`
	Company           string           `json:"company,omitempty"`
	Message           string           `json:"message,omitempty"`
	MaxActivations    int              `json:"max_activations"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	Used              bool             `json:"used"`
	UsedCount         int              `json:"used_count"`
	FirstActivationAt *time.Time       `json:"first_activation_at,omitempty"`
	Activations       []CodeActivation `json:"activations"`
	LicenseKey        string           `json:"license_key,omitempty"`
}

// Clone returns a deep copy.
func (c *ActivationCode) Clone() *ActivationCode {
	if c == nil {
		return nil
	}
	out := *c
	out.Activations = append([]CodeActivation(nil), c.Activations...)
	if c.FirstActivationAt != nil {
		t := *c.FirstActivationAt
		out.FirstActivationAt = &t
	}
	return &out
}

// IsExpired reports whether the code window has passed at now.
func (c *ActivationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Exhausted reports whether the device ceiling has been reached.
func (c *ActivationCode) Exhausted() bool {
	return c.UsedCount >= c.MaxActivations
}

// HasMachine reports whether machineID already redeemed this code.
func (c *ActivationCode) HasMachine(machineID string) bool {
	for _, a := range c.Activations {
		if a.MachineID == machineID {
			return true
		}
	}
	return false
}

// CodeParams are the issuance parameters for a new activation code.
// Zero MaxActivations or DurationDays fall back to the project policy.
type CodeParams struct {
	Email          string `json:"email" validate:"required,email"`
	Project        string `json:"project" validate:"required"`
	Company        string `json:"company,omitempty" validate:"max=200"`
	Message        string `json:"message,omitempty" validate:"max=2000"`
	MaxActivations int    `json:"max_activations,omitempty" validate:"omitempty,min=1,max=100"`
	DurationDays   int    `json:"duration_days,omitempty" validate:"omitempty,min=1,max=1825"`
}
