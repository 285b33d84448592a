package simulator_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/internal/simulator"
	mqmock "procodus.dev/ecoatlas/pkg/mq/mock"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

func topicsOf(calls []mqmock.PublishCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Topic)
	}
	return out
}

var _ = Describe("Simulator", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("New", func() {
		It("should validate its configuration", func() {
			sender := simulator.NewBusSender(mqmock.NewMockClient())

			_, err := simulator.New(nil)
			Expect(err).To(MatchError("config cannot be nil"))

			_, err = simulator.New(&simulator.Config{Logger: logger, Sender: sender, Interval: time.Second})
			Expect(err).To(MatchError("device count must be greater than 0"))

			_, err = simulator.New(&simulator.Config{Logger: logger, Sender: sender, Devices: 1})
			Expect(err).To(MatchError("interval must be greater than 0"))

			_, err = simulator.New(&simulator.Config{Sender: sender, Devices: 1, Interval: time.Second})
			Expect(err).To(MatchError("logger is required"))

			_, err = simulator.New(&simulator.Config{Logger: logger, Devices: 1, Interval: time.Second})
			Expect(err).To(MatchError("sender is required"))
		})

		It("should create the requested number of distinct devices", func() {
			sim, err := simulator.New(&simulator.Config{
				Logger:   logger,
				Sender:   simulator.NewBusSender(mqmock.NewMockClient()),
				Devices:  5,
				Interval: time.Second,
				Seed:     1,
			})
			Expect(err).NotTo(HaveOccurred())

			ids := map[string]bool{}
			for _, d := range sim.Devices() {
				ids[d.DeviceID] = true
			}
			Expect(ids).To(HaveLen(5))
		})
	})

	Describe("Run over the bus", func() {
		It("should announce devices then publish readings and heartbeats", func() {
			client := mqmock.NewMockClient()
			sim, err := simulator.New(&simulator.Config{
				Logger:            logger,
				Sender:            simulator.NewBusSender(client),
				Mode:              simulator.ModeBus,
				Devices:           2,
				Interval:          10 * time.Millisecond,
				HeartbeatInterval: 15 * time.Millisecond,
				Seed:              3,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				sim.Run(ctx)
			}()

			id := sim.Devices()[0].DeviceID
			Eventually(func() []string { return topicsOf(client.Published()) }).Should(ContainElements(
				telemetry.StatusTopic(id),
				telemetry.SensorDataTopic(id),
				telemetry.HeartbeatTopic(id),
			))

			cancel()
			Eventually(done).Should(BeClosed())

			for _, call := range client.Published() {
				kind, deviceID, err := telemetry.ParseTopic(call.Topic)
				Expect(err).NotTo(HaveOccurred())
				if kind != telemetry.TopicSensorData {
					continue
				}
				var payload map[string]any
				Expect(json.Unmarshal(call.Data, &payload)).To(Succeed())
				Expect(payload["device_id"]).To(Equal(deviceID))
				Expect(payload).To(HaveKey("timestamp"))
			}
		})
	})

	Describe("HTTPSender", func() {
		var (
			mu       sync.Mutex
			received []string
			status   int
			server   *httptest.Server
		)

		BeforeEach(func() {
			received = nil
			status = http.StatusOK
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				mu.Lock()
				received = append(received, r.Method+" "+r.URL.Path+" "+string(body))
				code := status
				mu.Unlock()
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"success":false,"error":"nope"}`))
			}))
		})

		AfterEach(func() {
			server.Close()
		})

		It("should post readings to the API", func() {
			sender := simulator.NewHTTPSender(nil, server.URL+"/")
			Expect(sender.Supports(telemetry.TopicSensorData)).To(BeTrue())
			Expect(sender.Supports(telemetry.TopicHeartbeat)).To(BeFalse())

			err := sender.Send(context.Background(), telemetry.TopicSensorData, "A", []byte(`{"device_id":"A","timestamp":1}`))
			Expect(err).NotTo(HaveOccurred())

			mu.Lock()
			defer mu.Unlock()
			Expect(received).To(HaveLen(1))
			Expect(received[0]).To(HavePrefix("POST /api/sensor-data "))
		})

		It("should surface API errors", func() {
			mu.Lock()
			status = http.StatusBadRequest
			mu.Unlock()

			sender := simulator.NewHTTPSender(nil, server.URL)
			err := sender.Send(context.Background(), telemetry.TopicSensorData, "A", []byte(`{}`))
			Expect(err).To(MatchError(ContainSubstring("api returned 400")))
		})

		It("should refuse heartbeats", func() {
			sender := simulator.NewHTTPSender(nil, server.URL)
			err := sender.Send(context.Background(), telemetry.TopicHeartbeat, "A", []byte(`{}`))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("NewServer", func() {
		It("should reject invalid configurations", func() {
			_, err := simulator.NewServer(nil)
			Expect(err).To(HaveOccurred())

			_, err = simulator.NewServer(&simulator.ServerConfig{Logger: logger, Mode: "carrier-pigeon"})
			Expect(err).To(MatchError(ContainSubstring("unknown simulator mode")))

			_, err = simulator.NewServer(&simulator.ServerConfig{Logger: logger, Mode: simulator.ModeHTTP})
			Expect(err).To(MatchError("api url cannot be empty"))

			_, err = simulator.NewServer(&simulator.ServerConfig{Logger: logger, Mode: simulator.ModeBus})
			Expect(err).To(MatchError("bus url cannot be empty"))

			_, err = simulator.NewServer(&simulator.ServerConfig{Logger: logger, Mode: simulator.ModeBus, BusURL: "x://y", BusDriver: "kafka"})
			Expect(err).To(MatchError(ContainSubstring("unknown bus driver")))
		})

		It("should run in http mode until canceled", func() {
			var posts int
			var mu sync.Mutex
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				if strings.HasSuffix(r.URL.Path, "/sensor-data") {
					posts++
				}
				mu.Unlock()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			srv, err := simulator.NewServer(&simulator.ServerConfig{
				Logger:   logger,
				Mode:     simulator.ModeHTTP,
				APIURL:   server.URL,
				Devices:  1,
				Interval: 10 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error)
			go func() { done <- srv.Run(ctx) }()

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return posts
			}).Should(BeNumerically(">=", 2))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
