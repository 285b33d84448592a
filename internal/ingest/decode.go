package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

// millisThreshold separates second and millisecond epoch values.
const millisThreshold = 100_000_000_000

type readingPayload struct {
	Temperature      *float64    `json:"temperature"`
	Humidity         *float64    `json:"humidity"`
	Pressure         *float64    `json:"pressure"`
	PM25             *float64    `json:"pm25"`
	PM10             *float64    `json:"pm10"`
	CO2              *float64    `json:"co2"`
	CO2Level         *float64    `json:"co2_level"`
	AirQuality       *float64    `json:"air_quality"`
	LightLevel       *float64    `json:"light_level"`
	PowerConsumption *float64    `json:"power_consumption"`
	WiFiRSSI         *float64    `json:"wifi_rssi"`
	WiFiSignal       *float64    `json:"wifi_signal"`
	Location         *string     `json:"location"`
	NodeType         *string     `json:"node_type"`
	DeviceID         string      `json:"device_id"`
	Timestamp        json.Number `json:"timestamp"`
}

type statusPayload struct {
	DeviceID  string  `json:"device_id"`
	Status    string  `json:"status"`
	IPAddress *string `json:"ip_address"`
}

// TimestampPolicy decides which device timestamps are acceptable.
type TimestampPolicy struct {
	// MaxFutureSkew rejects timestamps further ahead of the server clock. Zero or negative disables the check.
	MaxFutureSkew time.Duration
	AllowNegative bool
}

// check validates ts against the policy. Values below 1e11 are read as unix
// seconds, larger values as unix milliseconds.
func (p TimestampPolicy) check(ts int64, now time.Time) error {
	if ts < 0 && !p.AllowNegative {
		return telemetry.NewValidationError("timestamp", "must not be negative")
	}
	if p.MaxFutureSkew <= 0 || ts < 0 {
		return nil
	}

	var at time.Time
	if ts < millisThreshold {
		at = time.Unix(ts, 0)
	} else {
		at = time.UnixMilli(ts)
	}
	if at.After(now.Add(p.MaxFutureSkew)) {
		return telemetry.NewValidationError("timestamp", fmt.Sprintf("more than %s in the future", p.MaxFutureSkew))
	}
	return nil
}

func parseTimestamp(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f >= 0x1p63 || f < -0x1p63 {
		return 0, telemetry.NewValidationError("timestamp", "must be an integer")
	}
	return int64(f), nil
}

func normaliseDeviceID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if err := telemetry.ValidateDeviceID(id); err != nil {
		return "", err
	}
	return id, nil
}

func orDefault(s *string, def string) string {
	if s == nil {
		return def
	}
	if v := strings.TrimSpace(*s); v != "" {
		return v
	}
	return def
}

func firstOf(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}
