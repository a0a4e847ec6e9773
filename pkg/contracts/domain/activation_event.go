package domain

import "time"

// ActivationAction names an entry in the activation log
type ActivationAction string

const (
	ActionActivate   ActivationAction = "activate"
	ActionDeactivate ActivationAction = "deactivate"
	ActionRedeem     ActivationAction = "redeem"
)

// ActivationEvent is appended to the activation log and broadcast to admin clients.
type ActivationEvent struct {
	Action     ActivationAction `json:"action" bson:"action"`
	LicenseKey string           `json:"license_key" bson:"license_key"`
	Code       string           `json:"code,omitempty" bson:"code,omitempty"`
	Project    string           `json:"project" bson:"project"`
	DeviceID   string           `json:"device_id" bson:"device_id"`
	DeviceName string           `json:"device_name,omitempty" bson:"device_name,omitempty"`
	IPAddress  string           `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	Remaining  int              `json:"remaining_activations" bson:"remaining_activations"`
	Timestamp  time.Time        `json:"timestamp" bson:"timestamp"`
}

// ActiveDeviceView is one row of the admin activations listing
type ActiveDeviceView struct {
	LicenseKey string           `json:"license_key"`
	Email      string           `json:"email"`
	Project    string           `json:"project"`
	Device     DeviceActivation `json:"device"`
}
