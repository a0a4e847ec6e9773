// Package domain contains the core domain models for the license server.
// These types serve as the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"strings"
	"time"
)

// LicenseStatus represents the status of a license
type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "ACTIVE"
	LicenseStatusRevoked LicenseStatus = "REVOKED"
	LicenseStatusExpired LicenseStatus = "EXPIRED"
)

// DeviceStatus represents the state of a single device slot
type DeviceStatus string

const (
	DeviceStatusActive      DeviceStatus = "active"
	DeviceStatusDeactivated DeviceStatus = "deactivated"
)

// DeviceActivation binds one device to one license.
type DeviceActivation struct {
	DeviceID      string       `json:"device_id" validate:"required,max=128"`
	DeviceName    string       `json:"device_name"`
	OSInfo        string       `json:"os_info,omitempty"`
	Hostname      string       `json:"hostname,omitempty"`
	IPAddress     string       `json:"ip_address,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        DeviceStatus `json:"status"`
	DeactivatedAt *time.Time   `json:"deactivated_at,omitempty"`
}

// DeviceMeta is the client-supplied description of a device being activated
type DeviceMeta struct {
	DeviceName string `json:"device_name,omitempty"`
	OSInfo     string `json:"os_info,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
}

// License is the issued license record. The whole record is signed.
type License struct {
	Key            string             `json:"key" validate:"required"`
	Email          string             `json:"email" validate:"required,email"`
	Project        string             `json:"project" validate:"required"`
	Version        string             `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	Status         LicenseStatus      `json:"status"`
	MaxActivations int                `json:"max_activations" validate:"min=1"`
	Activations    []DeviceActivation `json:"activations"`
	ActivationCode string             `json:"activation_code,omitempty"`
}

// Clone returns a deep copy so callers never share the activation slice.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	c.Activations = make([]DeviceActivation, len(l.Activations))
	for i, a := range l.Activations {
		c.Activations[i] = a
		if a.DeactivatedAt != nil {
			t := *a.DeactivatedAt
			c.Activations[i].DeactivatedAt = &t
		}
	}
	return &c
}

// ActiveCount returns the number of slots currently consumed.
func (l *License) ActiveCount() int {
	n := 0
	for _, a := range l.Activations {
		if a.Status == DeviceStatusActive {
			n++
		}
	}
	return n
}

// ActiveDevices returns the currently active device activations.
func (l *License) ActiveDevices() []DeviceActivation {
	out := make([]DeviceActivation, 0, len(l.Activations))
	for _, a := range l.Activations {
		if a.Status == DeviceStatusActive {
			out = append(out, a)
		}
	}
	return out
}

// Remaining returns the number of free slots, never negative.
func (l *License) Remaining() int {
	r := l.MaxActivations - l.ActiveCount()
	if r < 0 {
		return 0
	}
	return r
}

// FindActivation returns the index of the record for deviceID, or -1.
func (l *License) FindActivation(deviceID string) int {
	for i, a := range l.Activations {
		if a.DeviceID == deviceID {
			return i
		}
	}
	return -1
}

// IsDeviceActive reports whether deviceID holds an active slot.
func (l *License) IsDeviceActive(deviceID string) bool {
	i := l.FindActivation(deviceID)
	return i >= 0 && l.Activations[i].Status == DeviceStatusActive
}

// IsExpired reports whether the license window has passed at now.
func (l *License) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// EffectiveStatus derives EXPIRED from the window. REVOKED is terminal.
func (l *License) EffectiveStatus(now time.Time) LicenseStatus {
	if l.Status == LicenseStatusActive && l.IsExpired(now) {
		return LicenseStatusExpired
	}
	return l.Status
}

// DaysLeft returns whole days until expiry, or 0 once expired.
func (l *License) DaysLeft(now time.Time) int {
	if l.IsExpired(now) {
		return 0
	}
	return int(l.ExpiresAt.Sub(now).Hours() / 24)
}

// MatchesQuery reports whether q is a case-insensitive substring of key, email or project.
func (l *License) MatchesQuery(q string) bool {
	if q == "" {
		return true
	}
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(l.Key), q) ||
		strings.Contains(strings.ToLower(l.Email), q) ||
		strings.Contains(strings.ToLower(l.Project), q)
}

// LicensePatch is a partial update applied by the store. Nil fields are left unchanged.
type LicensePatch struct {
	Email          *string
	Version        *string
	ExpiresAt      *time.Time
	Status         *LicenseStatus
	MaxActivations *int
	ActivationCode *string
}

// ActivationOutcome is the successful result kind of an activation
type ActivationOutcome string

const (
	OutcomeActivated     ActivationOutcome = "activated"
	OutcomeAlreadyActive ActivationOutcome = "already_active"
)

// ActivationResult is returned by the activation tracker
type ActivationResult struct {
	Status         ActivationOutcome `json:"status"`
	LicenseKey     string            `json:"license_key"`
	DeviceID       string            `json:"device_id"`
	Project        string            `json:"project"`
	Remaining      int               `json:"remaining_activations"`
	MaxActivations int               `json:"max_activations"`
	ExpiresAt      time.Time         `json:"expires_at"`
	SignedLicense  *SignedLicense    `json:"signed_license,omitempty"`
}

// VerifyRequest carries the caller-side facts checked by the policy gates
type VerifyRequest struct {
	DeviceID string
	Version  string
}

// VerifyResult is returned when every gate passes
type VerifyResult struct {
	Status    LicenseStatus `json:"status"`
	Project   string        `json:"project"`
	ExpiresAt time.Time     `json:"expires_at"`
	DaysLeft  int           `json:"days_left"`
}

// SignedLicense is the immutable signed artifact handed to clients.
type SignedLicense struct {
	License   map[string]any `json:"license"`
	Signature string         `json:"signature"`
	Alg       string         `json:"alg"`
}

// IssueResult is returned by license issuance
type IssueResult struct {
	Key           string         `json:"key"`
	SignedLicense *SignedLicense `json:"signed_license"`
	Existing      bool           `json:"existing"`
}
