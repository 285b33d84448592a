package telemetry_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

var _ = Describe("Topics", func() {
	It("should round-trip every topic builder through ParseTopic", func() {
		cases := map[string]telemetry.TopicKind{
			telemetry.SensorDataTopic("esp32-01"): telemetry.TopicSensorData,
			telemetry.StatusTopic("esp32-01"):     telemetry.TopicDeviceStatus,
			telemetry.HeartbeatTopic("esp32-01"):  telemetry.TopicHeartbeat,
			telemetry.ControlTopic("esp32-01"):    telemetry.TopicControl,
		}
		for topic, want := range cases {
			kind, id, err := telemetry.ParseTopic(topic)
			Expect(err).NotTo(HaveOccurred())
			Expect(kind).To(Equal(want))
			Expect(id).To(Equal("esp32-01"))
		}
	})

	DescribeTable("rejecting malformed topics",
		func(topic string) {
			_, _, err := telemetry.ParseTopic(topic)
			Expect(err).To(HaveOccurred())
			Expect(telemetry.IsValidation(err)).To(BeTrue())
		},
		Entry("wrong root", "other/sensors/a/data"),
		Entry("too short", "ecoatlas/sensors/a"),
		Entry("empty device", "ecoatlas/sensors//data"),
		Entry("wildcard device", "ecoatlas/sensors/+/data"),
		Entry("dotted device", "ecoatlas/sensors/a.b/data"),
		Entry("unknown suffix", "ecoatlas/device/a/config"),
	)

	DescribeTable("ValidateDeviceID",
		func(id string, valid bool) {
			err := telemetry.ValidateDeviceID(id)
			if valid {
				Expect(err).NotTo(HaveOccurred())
				_, parsed, perr := telemetry.ParseTopic(telemetry.ControlTopic(id))
				Expect(perr).NotTo(HaveOccurred())
				Expect(parsed).To(Equal(id))
				return
			}
			Expect(telemetry.IsValidation(err)).To(BeTrue())
			_, _, perr := telemetry.ParseTopic(telemetry.SensorDataTopic(id))
			Expect(telemetry.IsValidation(perr)).To(BeTrue())
		},
		Entry("plain", "esp32-01", true),
		Entry("underscore", "lab_node_1", true),
		Entry("dot", "lab.node-1", false),
		Entry("star", "lab*", false),
		Entry("gt", "lab>", false),
		Entry("hash", "lab#", false),
		Entry("empty", "", false),
	)
})

var _ = Describe("DeviceStatus", func() {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	It("should report a silent online device as offline", func() {
		s := telemetry.DeviceStatus{Status: telemetry.StatusOnline, LastSeen: now.Add(-3 * time.Minute)}
		Expect(s.Effective(now, 2*time.Minute)).To(Equal(telemetry.StatusOffline))
	})

	It("should keep a recently seen device online", func() {
		s := telemetry.DeviceStatus{Status: telemetry.StatusOnline, LastSeen: now.Add(-30 * time.Second)}
		Expect(s.Effective(now, 2*time.Minute)).To(Equal(telemetry.StatusOnline))
	})

	It("should treat an empty status as unknown", func() {
		Expect(telemetry.DeviceStatus{}.Effective(now, time.Minute)).To(Equal(telemetry.StatusUnknown))
	})

	It("should normalise reported status strings", func() {
		Expect(telemetry.ParseStatus(" Online ")).To(Equal(telemetry.StatusOnline))
		Expect(telemetry.ParseStatus("disconnected")).To(Equal(telemetry.StatusOffline))
		Expect(telemetry.ParseStatus("rebooting")).To(Equal(telemetry.StatusUnknown))
	})
})

var _ = Describe("Event", func() {
	It("should emit carbon_data right after sensor_data", func() {
		r := telemetry.Reading{DeviceID: "a", PowerConsumption: telemetry.Float(500)}
		d := &telemetry.DerivedMetric{DeviceID: "a", CO2Emissions: 0.2}
		msgs := telemetry.SensorEvent(r, d).Messages()
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].Type).To(Equal(telemetry.EventSensorData))
		Expect(msgs[1].Type).To(Equal(telemetry.EventCarbonData))
	})

	It("should emit only sensor_data without a derived metric", func() {
		msgs := telemetry.SensorEvent(telemetry.Reading{DeviceID: "a"}, nil).Messages()
		Expect(msgs).To(HaveLen(1))
	})

	It("should encode absent fields as null and zero as zero", func() {
		r := telemetry.Reading{DeviceID: "a", Temperature: telemetry.Float(0)}
		raw, err := json.Marshal(r)
		Expect(err).NotTo(HaveOccurred())
		var decoded map[string]any
		Expect(json.Unmarshal(raw, &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("temperature", BeNumerically("==", 0)))
		Expect(decoded).To(HaveKeyWithValue("humidity", BeNil()))
	})

	It("should encode an empty backfill as an empty list", func() {
		raw, err := json.Marshal(telemetry.RecentData(nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(ContainSubstring(`"data":[]`))
	})
})

var _ = Describe("Errors", func() {
	It("should classify wrapped errors", func() {
		storeErr := fmt.Errorf("append: %w", telemetry.NewStoreError("append", 3, errors.New("conn refused")))
		Expect(telemetry.IsStore(storeErr)).To(BeTrue())
		Expect(telemetry.IsValidation(storeErr)).To(BeFalse())

		var se *telemetry.StoreError
		Expect(errors.As(storeErr, &se)).To(BeTrue())
		Expect(se.Retryable()).To(BeTrue())
		Expect(se.Attempts).To(Equal(3))
	})

	It("should describe the offending field", func() {
		err := telemetry.NewValidationError("device_id", "is required")
		Expect(err.Error()).To(Equal("validation failed: device_id: is required"))
	})
})
