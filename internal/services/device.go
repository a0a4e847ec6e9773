package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeviceSource names where a device id came from
type DeviceSource string

const (
	DeviceFromBody        DeviceSource = "body"
	DeviceFromHeader      DeviceSource = "header"
	DeviceFromFingerprint DeviceSource = "fingerprint"
)

// DeviceHints are the request facts a device id can be derived from.
type DeviceHints struct {
	DeviceID  string
	MachineID string // X-Machine-ID header
	ClientIP  string
	UserAgent string
}

// ResolveDeviceID picks the explicit id, then the machine header, then a
// fingerprint of the client address and user agent.
func ResolveDeviceID(h DeviceHints) (string, DeviceSource) {
	if id := strings.TrimSpace(h.DeviceID); id != "" {
		return id, DeviceFromBody
	}
	if id := strings.TrimSpace(h.MachineID); id != "" {
		return id, DeviceFromHeader
	}
	sum := sha256.Sum256([]byte(h.ClientIP + "-" + h.UserAgent))
	return hex.EncodeToString(sum[:])[:16], DeviceFromFingerprint
}
