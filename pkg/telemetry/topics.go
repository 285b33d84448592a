package telemetry

import (
	"fmt"
	"strings"
)

// TopicRoot is the first segment of every EcoAtlas bus topic.
const TopicRoot = "ecoatlas"

// TopicKind classifies a bus topic.
type TopicKind int

// Topic kinds understood by the gateway.
const (
	TopicUnknown TopicKind = iota
	TopicSensorData
	TopicDeviceStatus
	TopicHeartbeat
	TopicControl
)

func (k TopicKind) String() string {
	switch k {
	case TopicSensorData:
		return "sensor_data"
	case TopicDeviceStatus:
		return "device_status"
	case TopicHeartbeat:
		return "heartbeat"
	case TopicControl:
		return "control"
	default:
		return "unknown"
	}
}

// IngestPatterns are the wildcard topics the server subscribes to.
var IngestPatterns = []string{
	TopicRoot + "/sensors/+/data",
	TopicRoot + "/device/+/status",
	TopicRoot + "/device/+/heartbeat",
}

// SensorDataTopic returns the topic a device publishes readings on.
func SensorDataTopic(deviceID string) string {
	return TopicRoot + "/sensors/" + deviceID + "/data"
}

// StatusTopic returns the topic a device publishes status reports on.
func StatusTopic(deviceID string) string {
	return TopicRoot + "/device/" + deviceID + "/status"
}

// HeartbeatTopic returns the topic a device publishes heartbeats on.
func HeartbeatTopic(deviceID string) string {
	return TopicRoot + "/device/" + deviceID + "/heartbeat"
}

// ControlTopic returns the topic a device listens on for commands.
func ControlTopic(deviceID string) string {
	return TopicRoot + "/device/" + deviceID + "/control"
}

// reservedDeviceIDChars separate or match topic segments on at least one bus.
const reservedDeviceIDChars = "/+#*>."

// ValidateDeviceID reports whether id can be used both in payloads and in bus topics.
func ValidateDeviceID(id string) error {
	if id == "" {
		return NewValidationError("device_id", "is required")
	}
	if strings.ContainsAny(id, reservedDeviceIDChars) {
		return NewValidationError("device_id", "contains reserved characters")
	}
	return nil
}

// ParseTopic extracts the kind and device id from a canonical topic.
func ParseTopic(topic string) (TopicKind, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicRoot {
		return TopicUnknown, "", NewValidationError("topic", fmt.Sprintf("unrecognised topic %q", topic))
	}
	deviceID := parts[2]
	if ValidateDeviceID(deviceID) != nil {
		return TopicUnknown, "", NewValidationError("topic", fmt.Sprintf("invalid device id in topic %q", topic))
	}

	switch {
	case parts[1] == "sensors" && parts[3] == "data":
		return TopicSensorData, deviceID, nil
	case parts[1] == "device" && parts[3] == "status":
		return TopicDeviceStatus, deviceID, nil
	case parts[1] == "device" && parts[3] == "heartbeat":
		return TopicHeartbeat, deviceID, nil
	case parts[1] == "device" && parts[3] == "control":
		return TopicControl, deviceID, nil
	default:
		return TopicUnknown, "", NewValidationError("topic", fmt.Sprintf("unrecognised topic %q", topic))
	}
}
