// Package generator produces plausible ESP32 environmental node readings for the simulator.
package generator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Node types a simulated device may report.
var nodeTypes = []string{"environmental", "indoor", "outdoor", "industrial"}

// Device is a simulated sensor node.
type Device struct {
	DeviceID   string `fake:"skip"`
	Location   string `fake:"{city}"`
	NodeType   string `fake:"skip"`
	MacAddress string `fake:"{macaddress}"`
	IPAddress  string `fake:"{ipv4address}"`
	Firmware   string `fake:"{appversion}"`
}

// Reading is the JSON payload a node publishes on its data topic.
type Reading struct {
	DeviceID         string   `json:"device_id"`
	Location         string   `json:"location,omitempty"`
	NodeType         string   `json:"node_type,omitempty"`
	Timestamp        int64    `json:"timestamp"`
	Temperature      *float64 `json:"temperature,omitempty"`
	Humidity         *float64 `json:"humidity,omitempty"`
	Pressure         *float64 `json:"pressure,omitempty"`
	PM25             *float64 `json:"pm25,omitempty"`
	PM10             *float64 `json:"pm10,omitempty"`
	CO2              *float64 `json:"co2,omitempty"`
	AirQuality       *float64 `json:"air_quality,omitempty"`
	LightLevel       *float64 `json:"light_level,omitempty"`
	PowerConsumption *float64 `json:"power_consumption,omitempty"`
	WiFiRSSI         *float64 `json:"wifi_rssi,omitempty"`
}

// Heartbeat is the payload a node publishes on its heartbeat topic.
type Heartbeat struct {
	DeviceID  string `json:"device_id"`
	IPAddress string `json:"ip_address,omitempty"`
	Uptime    int64  `json:"uptime"`
}

// NewDevice creates a device with a fake identity. The index keeps ids unique
// within one simulator run.
func NewDevice(index int) *Device {
	var device Device
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.DeviceID = fmt.Sprintf("ESP32_%03d_%s", index+1, gofakeit.LetterN(4))
	device.NodeType = nodeTypes[index%len(nodeTypes)]
	return &device
}

// Generator produces correlated readings for one device. It is not safe for
// concurrent use.
type Generator struct {
	device           *Device
	rng              *rand.Rand
	started          time.Time
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	baselineCO2      float64
	basePower        float64
	noise            float64
	pressureTrend    float64
	lastPressure     float64
	lastPM25         float64
}

// NewGenerator creates a generator for device seeded from seed.
func NewGenerator(device *Device, seed int64) *Generator {
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 - simulation data
	return &Generator{
		device:           device,
		rng:              rng,
		started:          time.Now(),
		baselineTemp:     18.0 + rng.Float64()*8,          // 18-26°C
		baselineHumidity: 45.0 + rng.Float64()*20,         // 45-65%
		baselinePressure: 1013.0 + (rng.Float64()-0.5)*20, // 1003-1023 hPa
		baselineCO2:      420 + rng.Float64()*200,         // ppm
		basePower:        150 + rng.Float64()*350,         // W
		noise:            rng.Float64() * 2,
		pressureTrend:    (rng.Float64() - 0.5) * 0.5,
		lastPressure:     1013.0,
		lastPM25:         8 + rng.Float64()*10,
	}
}

// Device returns the simulated device.
func (g *Generator) Device() *Device {
	return g.device
}

// Temperature follows a daily cycle peaking mid-afternoon with occasional spikes.
func (g *Generator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (g.rng.Float64() - 0.5) * g.noise

	anomaly := 0.0
	if g.rng.Float64() < 0.05 {
		anomaly = (g.rng.Float64() - 0.5) * 15
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// Humidity is inversely correlated with temperature.
func (g *Generator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (g.rng.Float64() - 0.5) * g.noise * 0.5

	anomaly := 0.0
	if g.rng.Float64() < 0.03 {
		anomaly = g.rng.Float64() * 20 // rain
	}

	return clamp(g.baselineHumidity+dailyCycle+tempEffect+noise+anomaly, 20, 95)
}

// Pressure is a slow random walk with a drifting trend and rare weather fronts.
func (g *Generator) Pressure(t time.Time) float64 {
	randomChange := (g.rng.Float64() - 0.5) * 0.5

	if g.rng.Float64() < 0.1 {
		g.pressureTrend = -g.pressureTrend + (g.rng.Float64()-0.5)*0.2
	}

	hour := float64(t.Hour())
	diurnal := 0.5 * math.Sin((hour-3)*math.Pi/12)

	p := g.lastPressure + randomChange + g.pressureTrend + diurnal*0.1
	p = g.baselinePressure + (p-g.baselinePressure)*0.7
	p = clamp(p, 980, 1040)

	if g.rng.Float64() < 0.02 {
		front := (g.rng.Float64() - 0.5) * 10
		p += front
		g.pressureTrend = front * 0.3
	}

	g.lastPressure = p
	return p
}

// Particulates returns pm2.5 and pm10. pm10 always exceeds pm2.5.
func (g *Generator) Particulates() (pm25, pm10 float64) {
	g.lastPM25 = clamp(g.lastPM25+(g.rng.Float64()-0.5)*2, 1, 150)
	if g.rng.Float64() < 0.02 {
		g.lastPM25 = clamp(g.lastPM25+g.rng.Float64()*40, 1, 150) // smoke event
	}
	return g.lastPM25, g.lastPM25 * (1.4 + g.rng.Float64()*0.4)
}

// CO2 rises during occupied daytime hours.
func (g *Generator) CO2(t time.Time) float64 {
	occupancy := 0.0
	if h := t.Hour(); h >= 8 && h <= 18 {
		occupancy = 250 * math.Sin(float64(h-8)*math.Pi/10)
	}
	return clamp(g.baselineCO2+occupancy+(g.rng.Float64()-0.5)*40, 380, 5000)
}

// LightLevel in lux follows daylight.
func (g *Generator) LightLevel(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	daylight := math.Max(0, math.Sin((hour-6)*math.Pi/12))
	return daylight*800 + g.rng.Float64()*20
}

// Power in watts tracks temperature, standing in for cooling load.
func (g *Generator) Power(temperature float64) float64 {
	cooling := math.Max(0, temperature-22) * 25
	return math.Max(0, g.basePower+cooling+(g.rng.Float64()-0.5)*30)
}

// RSSI in dBm.
func (g *Generator) RSSI() float64 {
	return math.Round(-45 - g.rng.Float64()*40)
}

// Reading generates one correlated reading at t.
func (g *Generator) Reading(t time.Time) Reading {
	temperature := g.Temperature(t)
	humidity := g.Humidity(t, temperature)
	pressure := g.Pressure(t)
	pm25, pm10 := g.Particulates()
	co2 := g.CO2(t)
	power := g.Power(temperature)

	return Reading{
		DeviceID:         g.device.DeviceID,
		Location:         g.device.Location,
		NodeType:         g.device.NodeType,
		Timestamp:        t.UnixMilli(),
		Temperature:      round(temperature, 2),
		Humidity:         round(humidity, 2),
		Pressure:         round(pressure, 2),
		PM25:             round(pm25, 1),
		PM10:             round(pm10, 1),
		CO2:              round(co2, 0),
		AirQuality:       round(airQualityIndex(pm25), 0),
		LightLevel:       round(g.LightLevel(t), 0),
		PowerConsumption: round(power, 1),
		WiFiRSSI:         round(g.RSSI(), 0),
	}
}

// Heartbeat generates a heartbeat at t.
func (g *Generator) Heartbeat(t time.Time) Heartbeat {
	return Heartbeat{
		DeviceID:  g.device.DeviceID,
		IPAddress: g.device.IPAddress,
		Uptime:    int64(t.Sub(g.started).Seconds()),
	}
}

// airQualityIndex maps pm2.5 onto a 0-500 index using the US EPA breakpoints.
func airQualityIndex(pm25 float64) float64 {
	breakpoints := []struct{ cLo, cHi, iLo, iHi float64 }{
		{0, 12, 0, 50},
		{12.1, 35.4, 51, 100},
		{35.5, 55.4, 101, 150},
		{55.5, 150.4, 151, 200},
		{150.5, 250.4, 201, 300},
		{250.5, 500.4, 301, 500},
	}
	for _, b := range breakpoints {
		if pm25 <= b.cHi {
			return (b.iHi-b.iLo)/(b.cHi-b.cLo)*(math.Max(pm25, b.cLo)-b.cLo) + b.iLo
		}
	}
	return 500
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) *float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	return &r
}
