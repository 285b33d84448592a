// Package telemetry defines the readings, derived metrics, device status records
// and live events that flow through the EcoAtlas ingestion pipeline.
package telemetry

import (
	"time"
)

// ReadingID identifies a stored reading. It is assigned by the store.
type ReadingID uint64

// Defaults applied to optional descriptive fields of a reading.
const (
	DefaultLocation = "Unknown"
	DefaultNodeType = "environmental"
)

// Reading is one telemetry sample from a device.
// Optional sensor fields are nil when the device did not report them;
// zero is a valid measurement for several of them and is never used as a placeholder.
type Reading struct {
	ReceivedAt       time.Time `json:"received_at"`
	Temperature      *float64  `json:"temperature"`
	Humidity         *float64  `json:"humidity"`
	Pressure         *float64  `json:"pressure"`
	PM25             *float64  `json:"pm25"`
	PM10             *float64  `json:"pm10"`
	CO2              *float64  `json:"co2"`
	AirQuality       *float64  `json:"air_quality"`
	LightLevel       *float64  `json:"light_level"`
	PowerConsumption *float64  `json:"power_consumption"`
	WiFiRSSI         *float64  `json:"wifi_rssi"`
	DeviceID         string    `json:"device_id"`
	Location         string    `json:"location"`
	NodeType         string    `json:"node_type"`
	Timestamp        int64     `json:"timestamp"`
	ID               ReadingID `json:"id"`
}

// DerivedMetric is a value computed from a reading, currently an emissions estimate.
type DerivedMetric struct {
	ReceivedAt        time.Time `json:"received_at"`
	DeviceID          string    `json:"device_id"`
	Method            string    `json:"calculation_method"`
	EnergyConsumption float64   `json:"energy_consumption"`
	CO2Emissions      float64   `json:"co2_emissions"`
	EmissionFactor    float64   `json:"emission_factor"`
	Timestamp         int64     `json:"timestamp"`
	ReadingID         ReadingID `json:"reading_id"`
}

// Aggregate holds per-device statistics over a query window.
// A mean is nil when no reading in the window reported that field.
type Aggregate struct {
	FirstReading        time.Time `json:"first_reading"`
	LastReading         time.Time `json:"last_reading"`
	AvgTemperature      *float64  `json:"avg_temperature,omitempty"`
	AvgHumidity         *float64  `json:"avg_humidity,omitempty"`
	AvgPressure         *float64  `json:"avg_pressure,omitempty"`
	AvgPM25             *float64  `json:"avg_pm25,omitempty"`
	AvgPM10             *float64  `json:"avg_pm10,omitempty"`
	AvgCO2              *float64  `json:"avg_co2,omitempty"`
	AvgAirQuality       *float64  `json:"avg_air_quality,omitempty"`
	AvgLightLevel       *float64  `json:"avg_light_level,omitempty"`
	AvgPowerConsumption *float64  `json:"avg_power_consumption,omitempty"`
	AvgWiFiRSSI         *float64  `json:"avg_wifi_rssi,omitempty"`
	DeviceID            string    `json:"device_id"`
	TotalReadings       int64     `json:"total_readings"`
}

// FleetSummary folds every device's readings in a window into one row.
// Averages are nil when no reading in the window carried the field.
type FleetSummary struct {
	AvgTemperature *float64 `json:"avg_temperature"`
	AvgHumidity    *float64 `json:"avg_humidity"`
	AvgPM25        *float64 `json:"avg_pm25"`
	TotalPower     *float64 `json:"total_power"`
	TotalDevices   int64    `json:"total_devices"`
	TotalReadings  int64    `json:"total_readings"`
}

// DeviceSummary is one row of the device roster.
type DeviceSummary struct {
	LastSeen      time.Time `json:"last_seen"`
	DeviceID      string    `json:"device_id"`
	Location      string    `json:"location"`
	NodeType      string    `json:"node_type"`
	Status        Status    `json:"status"`
	SourceAddress string    `json:"ip_address,omitempty"`
	ReadingCount  int64     `json:"total_readings"`
}

// Float returns a pointer to v. It is a convenience for building readings.
func Float(v float64) *float64 {
	return &v
}
