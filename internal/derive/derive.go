// Package derive computes derived metrics from accepted readings.
package derive

import (
	"math"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	// DefaultEmissionFactor is the grid carbon intensity in kg CO2 per kWh.
	DefaultEmissionFactor = 0.4

	// MethodEnergyBased labels emissions estimated from instantaneous power draw.
	MethodEnergyBased = "simplified_energy_based"
)

// Engine turns a reading into zero or one derived metric.
// It holds no state and is safe for concurrent use.
type Engine struct {
	EmissionFactor float64
	Method         string
}

// New creates an Engine. A non-positive factor falls back to DefaultEmissionFactor.
func New(emissionFactor float64) *Engine {
	if emissionFactor <= 0 || math.IsNaN(emissionFactor) || math.IsInf(emissionFactor, 0) {
		emissionFactor = DefaultEmissionFactor
	}
	return &Engine{EmissionFactor: emissionFactor, Method: MethodEnergyBased}
}

// Derive returns the emissions estimate for r, or nil when r carries no power reading.
// The power value is read in watts; the estimate is power/1000 * factor kg.
func (e *Engine) Derive(r telemetry.Reading) (*telemetry.DerivedMetric, error) {
	if r.PowerConsumption == nil {
		return nil, nil
	}

	power := *r.PowerConsumption
	switch {
	case math.IsNaN(power) || math.IsInf(power, 0):
		return nil, &telemetry.DerivationError{DeviceID: r.DeviceID, Reason: "power_consumption is not finite"}
	case power < 0:
		return nil, &telemetry.DerivationError{DeviceID: r.DeviceID, Reason: "power_consumption is negative"}
	}

	method := e.Method
	if method == "" {
		method = MethodEnergyBased
	}

	return &telemetry.DerivedMetric{
		ReadingID:         r.ID,
		DeviceID:          r.DeviceID,
		Timestamp:         r.Timestamp,
		ReceivedAt:        r.ReceivedAt,
		EnergyConsumption: power,
		CO2Emissions:      power / 1000 * e.EmissionFactor,
		EmissionFactor:    e.EmissionFactor,
		Method:            method,
	}, nil
}
