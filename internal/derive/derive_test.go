package derive_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/internal/derive"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

var _ = Describe("Engine", func() {
	var engine *derive.Engine

	BeforeEach(func() {
		engine = derive.New(0.4)
	})

	It("should estimate 0.2 kg for a 500 W reading", func() {
		d, err := engine.Derive(telemetry.Reading{DeviceID: "A", Timestamp: 1000, PowerConsumption: telemetry.Float(500)})
		Expect(err).NotTo(HaveOccurred())
		Expect(d).NotTo(BeNil())
		Expect(d.CO2Emissions).To(BeNumerically("~", 0.2, 1e-9))
		Expect(d.EnergyConsumption).To(Equal(500.0))
		Expect(d.Method).To(Equal(derive.MethodEnergyBased))
		Expect(d.DeviceID).To(Equal("A"))
		Expect(d.Timestamp).To(Equal(int64(1000)))
	})

	It("should derive nothing without a power reading", func() {
		d, err := engine.Derive(telemetry.Reading{DeviceID: "A", Temperature: telemetry.Float(21)})
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(BeNil())
	})

	It("should derive zero emissions from zero power", func() {
		d, err := engine.Derive(telemetry.Reading{DeviceID: "A", PowerConsumption: telemetry.Float(0)})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.CO2Emissions).To(BeZero())
	})

	DescribeTable("rejecting unusable power values",
		func(power float64) {
			d, err := engine.Derive(telemetry.Reading{DeviceID: "A", PowerConsumption: telemetry.Float(power)})
			Expect(d).To(BeNil())
			Expect(telemetry.IsDerivation(err)).To(BeTrue())
		},
		Entry("negative", -1.0),
		Entry("NaN", math.NaN()),
		Entry("infinite", math.Inf(1)),
	)

	It("should be deterministic", func() {
		r := telemetry.Reading{DeviceID: "A", PowerConsumption: telemetry.Float(123.4)}
		a, _ := engine.Derive(r)
		b, _ := engine.Derive(r)
		Expect(a).To(Equal(b))
	})

	It("should fall back to the default factor", func() {
		Expect(derive.New(0).EmissionFactor).To(Equal(derive.DefaultEmissionFactor))
	})
})
