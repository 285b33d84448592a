package metrics_test

import (
	"io"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/pkg/metrics"
)

var _ = Describe("Registry", func() {
	It("should expose registered subsystem metrics on the handler", func() {
		hub := metrics.NewHubMetrics("metrics_test")
		hub.EventsPublished.WithLabelValues("sensor_data").Inc()
		hub.ActiveSubscribers.Set(3)

		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, err := io.ReadAll(rec.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`metrics_test_hub_events_published_total{type="sensor_data"} 1`))
		Expect(string(body)).To(ContainSubstring("metrics_test_hub_active_subscribers 3"))
		Expect(string(body)).To(ContainSubstring("go_goroutines"))
	})

	It("should panic on duplicate registration", func() {
		metrics.NewSimulatorMetrics("metrics_dup")
		Expect(func() { metrics.NewSimulatorMetrics("metrics_dup") }).To(Panic())
	})
})
