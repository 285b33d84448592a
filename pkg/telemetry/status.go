package telemetry

import (
	"strings"
	"time"
)

// Status is the liveness state of a device. It is derived by the service,
// never taken at face value from the device.
type Status string

// Device liveness states.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Sources of a device status update.
const (
	SourceReading   = "reading"
	SourceHeartbeat = "heartbeat"
	SourceReported  = "status"
	SourceSweep     = "sweep"
)

// ParseStatus normalises a device-reported status string.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "connected", "up":
		return StatusOnline
	case "offline", "disconnected", "down":
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// DeviceStatus is the latest known liveness record of a device.
type DeviceStatus struct {
	LastSeen      time.Time `json:"last_seen"`
	DeviceID      string    `json:"device_id"`
	Status        Status    `json:"status"`
	SourceAddress string    `json:"ip_address,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// Effective returns the status after applying recency decay: a device that
// has been silent for longer than offlineAfter is offline regardless of what
// was last recorded.
func (s DeviceStatus) Effective(now time.Time, offlineAfter time.Duration) Status {
	if s.Status == StatusOnline && offlineAfter > 0 && now.Sub(s.LastSeen) > offlineAfter {
		return StatusOffline
	}
	if s.Status == "" {
		return StatusUnknown
	}
	return s.Status
}
