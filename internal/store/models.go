package store

import (
	"time"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

// SensorReading is the persisted form of a telemetry.Reading.
// Sensor columns are nullable; NULL means the device did not report the value.
type SensorReading struct {
	ReceivedAt       time.Time          `gorm:"index:idx_readings_received_at;index:idx_readings_device_received,priority:2;not null"`
	CreatedAt        time.Time          `gorm:"autoCreateTime"`
	Temperature      *float64           `gorm:"column:temperature"`
	Humidity         *float64           `gorm:"column:humidity"`
	Pressure         *float64           `gorm:"column:pressure"`
	PM25             *float64           `gorm:"column:pm25"`
	PM10             *float64           `gorm:"column:pm10"`
	CO2              *float64           `gorm:"column:co2"`
	AirQuality       *float64           `gorm:"column:air_quality"`
	LightLevel       *float64           `gorm:"column:light_level"`
	PowerConsumption *float64           `gorm:"column:power_consumption"`
	WiFiRSSI         *float64           `gorm:"column:wifi_rssi"`
	Carbon           *CarbonCalculation `gorm:"foreignKey:ReadingID;references:ID"`
	DeviceID         string             `gorm:"index:idx_readings_device_received,priority:1;not null"`
	Location         string             `gorm:"not null"`
	NodeType         string             `gorm:"not null"`
	Timestamp        int64              `gorm:"not null"`
	ID               uint64             `gorm:"primaryKey"`
}

// TableName specifies the table name for SensorReading model.
func (SensorReading) TableName() string {
	return "sensor_readings"
}

// CarbonCalculation is the persisted form of a telemetry.DerivedMetric.
type CarbonCalculation struct {
	ReceivedAt        time.Time `gorm:"index:idx_carbon_received_at;not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	DeviceID          string    `gorm:"index:idx_carbon_device;not null"`
	Method            string    `gorm:"column:calculation_method;not null"`
	EnergyConsumption float64   `gorm:"not null"`
	CO2Emissions      float64   `gorm:"column:co2_emissions;not null"`
	EmissionFactor    float64   `gorm:"not null"`
	Timestamp         int64     `gorm:"not null"`
	ReadingID         uint64    `gorm:"uniqueIndex;not null"`
	ID                uint64    `gorm:"primaryKey"`
}

// TableName specifies the table name for CarbonCalculation model.
func (CarbonCalculation) TableName() string {
	return "carbon_calculations"
}

// DeviceStatus holds one row per device with its latest liveness record.
type DeviceStatus struct {
	LastSeen      time.Time `gorm:"index:idx_status_last_seen;not null"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
	DeviceID      string    `gorm:"primaryKey"`
	Status        string    `gorm:"not null"`
	SourceAddress string
	Source        string
}

// TableName specifies the table name for DeviceStatus model.
func (DeviceStatus) TableName() string {
	return "device_statuses"
}

func readingRow(r telemetry.Reading) SensorReading {
	return SensorReading{
		ReceivedAt:       r.ReceivedAt,
		Temperature:      r.Temperature,
		Humidity:         r.Humidity,
		Pressure:         r.Pressure,
		PM25:             r.PM25,
		PM10:             r.PM10,
		CO2:              r.CO2,
		AirQuality:       r.AirQuality,
		LightLevel:       r.LightLevel,
		PowerConsumption: r.PowerConsumption,
		WiFiRSSI:         r.WiFiRSSI,
		DeviceID:         r.DeviceID,
		Location:         r.Location,
		NodeType:         r.NodeType,
		Timestamp:        r.Timestamp,
	}
}

func (row SensorReading) toReading() telemetry.Reading {
	return telemetry.Reading{
		ID:               telemetry.ReadingID(row.ID),
		ReceivedAt:       row.ReceivedAt.UTC(),
		Temperature:      row.Temperature,
		Humidity:         row.Humidity,
		Pressure:         row.Pressure,
		PM25:             row.PM25,
		PM10:             row.PM10,
		CO2:              row.CO2,
		AirQuality:       row.AirQuality,
		LightLevel:       row.LightLevel,
		PowerConsumption: row.PowerConsumption,
		WiFiRSSI:         row.WiFiRSSI,
		DeviceID:         row.DeviceID,
		Location:         row.Location,
		NodeType:         row.NodeType,
		Timestamp:        row.Timestamp,
	}
}

func carbonRow(d telemetry.DerivedMetric) CarbonCalculation {
	return CarbonCalculation{
		ReceivedAt:        d.ReceivedAt,
		DeviceID:          d.DeviceID,
		Method:            d.Method,
		EnergyConsumption: d.EnergyConsumption,
		CO2Emissions:      d.CO2Emissions,
		EmissionFactor:    d.EmissionFactor,
		Timestamp:         d.Timestamp,
		ReadingID:         uint64(d.ReadingID),
	}
}

func (row CarbonCalculation) toDerived() telemetry.DerivedMetric {
	return telemetry.DerivedMetric{
		ReceivedAt:        row.ReceivedAt.UTC(),
		DeviceID:          row.DeviceID,
		Method:            row.Method,
		EnergyConsumption: row.EnergyConsumption,
		CO2Emissions:      row.CO2Emissions,
		EmissionFactor:    row.EmissionFactor,
		Timestamp:         row.Timestamp,
		ReadingID:         telemetry.ReadingID(row.ReadingID),
	}
}

func statusRow(s telemetry.DeviceStatus) DeviceStatus {
	return DeviceStatus{
		LastSeen:      s.LastSeen,
		DeviceID:      s.DeviceID,
		Status:        string(s.Status),
		SourceAddress: s.SourceAddress,
		Source:        s.Source,
	}
}

func (row DeviceStatus) toStatus() telemetry.DeviceStatus {
	return telemetry.DeviceStatus{
		LastSeen:      row.LastSeen.UTC(),
		DeviceID:      row.DeviceID,
		Status:        telemetry.Status(row.Status),
		SourceAddress: row.SourceAddress,
		Source:        row.Source,
	}
}
