package mq_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/pkg/mq"
	"procodus.dev/ecoatlas/pkg/mq/mock"
)

var _ = Describe("Topic conversion", func() {
	DescribeTable("AMQP routing keys",
		func(topic, key string) {
			Expect(mq.RoutingKey(topic)).To(Equal(key))
		},
		Entry("concrete topic", "ecoatlas/sensors/esp32-01/data", "ecoatlas.sensors.esp32-01.data"),
		Entry("single-level wildcard", "ecoatlas/sensors/+/data", "ecoatlas.sensors.*.data"),
		Entry("multi-level wildcard", "ecoatlas/#", "ecoatlas.#"),
	)

	DescribeTable("NATS subjects",
		func(topic, subject string) {
			Expect(mq.Subject(topic)).To(Equal(subject))
		},
		Entry("concrete topic", "ecoatlas/device/esp32-01/heartbeat", "ecoatlas.device.esp32-01.heartbeat"),
		Entry("single-level wildcard", "ecoatlas/device/+/status", "ecoatlas.device.*.status"),
		Entry("multi-level wildcard", "ecoatlas/#", "ecoatlas.>"),
	)

	It("should restore canonical topics from broker names", func() {
		Expect(mq.TopicFromRoutingKey("ecoatlas.sensors.a.data")).To(Equal("ecoatlas/sensors/a/data"))
		Expect(mq.TopicFromSubject("ecoatlas.device.a.status")).To(Equal("ecoatlas/device/a/status"))
	})
})

var _ = Describe("Delivery", func() {
	It("should treat missing callbacks as no-ops", func() {
		d := mq.NewDelivery("t", nil, nil, nil)
		Expect(d.Ack()).To(Succeed())
		Expect(d.Nack(true)).To(Succeed())
	})

	It("should record acknowledgements through the mock", func() {
		acks := &mock.Acks{}
		d := acks.Delivery("ecoatlas/sensors/a/data", []byte(`{}`))
		Expect(d.Topic).To(Equal("ecoatlas/sensors/a/data"))
		Expect(d.Ack()).To(Succeed())
		Expect(d.Nack(true)).To(Succeed())
		Expect(d.Nack(false)).To(Succeed())

		acked, nacked, requeued := acks.Counts()
		Expect(acked).To(Equal(1))
		Expect(nacked).To(Equal(2))
		Expect(requeued).To(Equal(1))
	})
})
