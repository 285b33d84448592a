package telemetry

// EventType tags live feed messages.
type EventType string

// Live feed message types.
const (
	EventRecentData   EventType = "recent_data"
	EventSensorData   EventType = "sensor_data"
	EventDeviceStatus EventType = "device_status"
	EventCarbonData   EventType = "carbon_data"
)

// Event is one accepted ingestion result as seen by the fan-out hub.
// A sensor_data event bundles the reading with its derived metric, if any.
type Event struct {
	Reading *Reading
	Derived *DerivedMetric
	Status  *DeviceStatus
	Type    EventType
	Seq     uint64
}

// Message is the JSON envelope written to live feed clients.
type Message struct {
	Data any       `json:"data"`
	Type EventType `json:"type"`
}

// SensorEvent builds a sensor_data event.
func SensorEvent(r Reading, d *DerivedMetric) Event {
	return Event{Type: EventSensorData, Reading: &r, Derived: d}
}

// StatusEvent builds a device_status event.
func StatusEvent(s DeviceStatus) Event {
	return Event{Type: EventDeviceStatus, Status: &s}
}

// Messages expands an event into the wire messages a live client receives.
// A sensor_data event with a derived metric yields the reading followed by
// its carbon_data message.
func (e Event) Messages() []Message {
	switch e.Type {
	case EventSensorData:
		if e.Reading == nil {
			return nil
		}
		msgs := []Message{{Type: EventSensorData, Data: e.Reading}}
		if e.Derived != nil {
			msgs = append(msgs, Message{Type: EventCarbonData, Data: e.Derived})
		}
		return msgs
	case EventDeviceStatus:
		if e.Status == nil {
			return nil
		}
		return []Message{{Type: EventDeviceStatus, Data: e.Status}}
	default:
		return nil
	}
}

// RecentData builds the backfill message sent once when a live client connects.
func RecentData(readings []Reading) Message {
	if readings == nil {
		readings = []Reading{}
	}
	return Message{Type: EventRecentData, Data: readings}
}
