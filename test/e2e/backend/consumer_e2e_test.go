package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

func readingsOf(device string) func() []telemetry.Reading {
	return func() []telemetry.Reading {
		code, env := getJSON("/api/sensor-data?device_id=" + device)
		Expect(code).To(Equal(http.StatusOK))
		var readings []telemetry.Reading
		Expect(json.Unmarshal(env.Data, &readings)).To(Succeed())
		return readings
	}
}

var _ = Describe("Bus Consumer E2E", func() {
	It("should ingest readings published on the sensor data topic", func() {
		device := deviceID("BUS")
		publish(telemetry.SensorDataTopic(device), readingBody(device, map[string]any{
			"temperature": 19.0,
			"wifi_signal": -61.0,
		}))

		Eventually(readingsOf(device), 10*time.Second, 100*time.Millisecond).Should(ConsistOf(
			And(
				HaveField("DeviceID", device),
				HaveField("WiFiRSSI", PointTo(BeNumerically("~", -61.0))),
			),
		))
	})

	It("should ingest a burst of readings from one device", func() {
		device := deviceID("BURST")
		for i := range 10 {
			publish(telemetry.SensorDataTopic(device), readingBody(device, map[string]any{"humidity": float64(40 + i)}))
		}

		Eventually(readingsOf(device), 10*time.Second, 100*time.Millisecond).Should(HaveLen(10))
	})

	It("should drop readings whose payload device does not match the topic", func() {
		device := deviceID("MISMATCH")
		publish(telemetry.SensorDataTopic(device), readingBody("someone-else", nil))

		Consistently(readingsOf(device), 2*time.Second, 250*time.Millisecond).Should(BeEmpty())
	})

	It("should keep consuming after an invalid payload", func() {
		device := deviceID("RECOVER")
		publish(telemetry.SensorDataTopic(device), []byte(`not json`))
		publish(telemetry.SensorDataTopic(device), readingBody(device, nil))

		Eventually(readingsOf(device), 10*time.Second, 100*time.Millisecond).Should(HaveLen(1))
	})

	It("should apply a reported status", func() {
		device := deviceID("STATUS")
		publish(telemetry.StatusTopic(device), []byte(fmt.Sprintf(`{"device_id":%q,"status":"disconnected"}`, device)))

		Eventually(func() telemetry.Status {
			_, env := getJSON("/api/devices")
			var devices []telemetry.DeviceSummary
			Expect(json.Unmarshal(env.Devices, &devices)).To(Succeed())
			for _, d := range devices {
				if d.DeviceID == device {
					return d.Status
				}
			}
			return ""
		}, 10*time.Second, 100*time.Millisecond).Should(Equal(telemetry.StatusOffline))
	})
})
