package api_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/internal/api"
	"procodus.dev/ecoatlas/internal/derive"
	"procodus.dev/ecoatlas/internal/hub"
	"procodus.dev/ecoatlas/internal/ingest"
	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/internal/store/mock"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// gatedStore holds QueryRecent until the gate is closed.
type gatedStore struct {
	*mock.MockStore
	gate chan struct{}
}

func (g *gatedStore) QueryRecent(ctx context.Context, q store.RecentQuery) ([]telemetry.Reading, error) {
	<-g.gate
	return g.MockStore.QueryRecent(ctx, q)
}

type liveMessage struct {
	Type telemetry.EventType `json:"type"`
	Data json.RawMessage     `json:"data"`
}

func readLive(conn *websocket.Conn) (liveMessage, error) {
	var msg liveMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	err := conn.ReadJSON(&msg)
	return msg, err
}

var _ = Describe("Live feed", func() {
	var (
		st       *gatedStore
		cache    *mock.MockCache
		h        *hub.Hub
		gw       *ingest.Gateway
		server   *httptest.Server
		wsURL    string
		now      time.Time
		queue    int
		useCache bool
	)

	submit := func(body string) telemetry.ReadingID {
		id, err := gw.Submit(context.Background(), []byte(body), ingest.TransportMetadata{Transport: ingest.TransportHTTP})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = conn.Close() })
		return conn
	}

	BeforeEach(func() {
		queue = 256
		useCache = false
		now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	})

	JustBeforeEach(func() {
		logger := newLogger()
		st = &gatedStore{MockStore: mock.NewMockStore(), gate: make(chan struct{})}
		cache = mock.NewMockCache()

		var err error
		h, err = hub.New(&hub.Config{Logger: logger, QueueCapacity: queue, DrainTimeout: 5 * time.Second})
		Expect(err).NotTo(HaveOccurred())

		gwCfg := &ingest.Config{
			Store:     st.MockStore,
			Deriver:   derive.New(0.4),
			Publisher: h,
			Logger:    logger,
			Now:       func() time.Time { return now },
		}
		apiCfg := &api.Config{
			Store:  st,
			Feed:   h,
			Logger: logger,
			Now:    func() time.Time { return now },
		}
		if useCache {
			gwCfg.Cache = cache
			apiCfg.Cache = cache
		}

		gw, err = ingest.New(gwCfg)
		Expect(err).NotTo(HaveOccurred())
		apiCfg.Ingestor = gw

		a, err := api.New(apiCfg)
		Expect(err).NotTo(HaveOccurred())

		server = httptest.NewServer(a.Router())
		wsURL = "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	})

	AfterEach(func() {
		h.Close()
		server.Close()
	})

	It("should send recent_data first and then live events in order", func() {
		first := submit(`{"device_id":"A","timestamp":1}`)
		close(st.gate)

		conn := dial()

		msg, err := readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(telemetry.EventRecentData))
		var backfill []telemetry.Reading
		Expect(json.Unmarshal(msg.Data, &backfill)).To(Succeed())
		Expect(backfill).To(HaveLen(1))
		Expect(backfill[0].ID).To(Equal(first))

		Eventually(h.Count).Should(Equal(1))

		second := submit(`{"device_id":"B","timestamp":2,"power_consumption":500}`)

		msg, err = readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(telemetry.EventSensorData))
		var reading telemetry.Reading
		Expect(json.Unmarshal(msg.Data, &reading)).To(Succeed())
		Expect(reading.ID).To(Equal(second))

		msg, err = readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(telemetry.EventCarbonData))
		var derived telemetry.DerivedMetric
		Expect(json.Unmarshal(msg.Data, &derived)).To(Succeed())
		Expect(derived.ReadingID).To(Equal(second))
		Expect(derived.CO2Emissions).To(BeNumerically("~", 0.2, 1e-9))
	})

	It("should send an empty recent_data list when nothing is stored", func() {
		close(st.gate)
		conn := dial()

		msg, err := readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(telemetry.EventRecentData))
		Expect(string(msg.Data)).To(Equal("[]"))
	})

	It("should forward device_status events", func() {
		close(st.gate)
		conn := dial()
		_, err := readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Count).Should(Equal(1))

		Expect(gw.SubmitHeartbeat(context.Background(), []byte(`{"device_id":"A"}`),
			ingest.TransportMetadata{Transport: ingest.TransportHTTP})).To(Succeed())

		msg, err := readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(telemetry.EventDeviceStatus))
		var status telemetry.DeviceStatus
		Expect(json.Unmarshal(msg.Data, &status)).To(Succeed())
		Expect(status.DeviceID).To(Equal("A"))
		Expect(status.Status).To(Equal(telemetry.StatusOnline))
	})

	It("should not resend readings already included in the backfill", func() {
		conn := dial()
		Eventually(h.Count).Should(Equal(1))

		// Accepted after registration but before the backfill query.
		overlap := submit(`{"device_id":"A","timestamp":1}`)
		close(st.gate)

		msg, err := readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(telemetry.EventRecentData))
		var backfill []telemetry.Reading
		Expect(json.Unmarshal(msg.Data, &backfill)).To(Succeed())
		Expect(backfill).To(HaveLen(1))
		Expect(backfill[0].ID).To(Equal(overlap))

		next := submit(`{"device_id":"A","timestamp":2}`)

		msg, err = readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(telemetry.EventSensorData))
		var reading telemetry.Reading
		Expect(json.Unmarshal(msg.Data, &reading)).To(Succeed())
		Expect(reading.ID).To(Equal(next))
	})

	Context("with a recent cache", func() {
		BeforeEach(func() {
			useCache = true
		})

		It("should serve the backfill from the cache", func() {
			id := submit(`{"device_id":"A","timestamp":1}`)
			// The store stays gated, so only the cache can answer.
			conn := dial()

			msg, err := readLive(conn)
			Expect(err).NotTo(HaveOccurred())
			var backfill []telemetry.Reading
			Expect(json.Unmarshal(msg.Data, &backfill)).To(Succeed())
			Expect(backfill).To(HaveLen(1))
			Expect(backfill[0].ID).To(Equal(id))
			Expect(cache.RecentCalls).To(Equal(1))

			close(st.gate)
		})
	})

	Context("with a tiny queue", func() {
		BeforeEach(func() {
			queue = 1
		})

		It("should drain the backlog and close with 1013 on overflow", func() {
			conn := dial()
			Eventually(h.Count).Should(Equal(1))

			h.Publish(telemetry.SensorEvent(telemetry.Reading{ID: 901, DeviceID: "X"}, nil))
			h.Publish(telemetry.SensorEvent(telemetry.Reading{ID: 902, DeviceID: "X"}, nil))
			Expect(h.Count()).To(Equal(0))
			close(st.gate)

			msg, err := readLive(conn)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(telemetry.EventRecentData))

			msg, err = readLive(conn)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(telemetry.EventSensorData))
			var reading telemetry.Reading
			Expect(json.Unmarshal(msg.Data, &reading)).To(Succeed())
			Expect(reading.ID).To(Equal(telemetry.ReadingID(901)))

			_, err = readLive(conn)
			Expect(websocket.IsCloseError(err, websocket.CloseTryAgainLater)).To(BeTrue(), "got %v", err)
			Expect(err.(*websocket.CloseError).Text).To(Equal("subscriber overflow"))
		})
	})

	It("should close with 1001 when the hub shuts down", func() {
		close(st.gate)
		conn := dial()
		_, err := readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Count).Should(Equal(1))

		h.Close()

		_, err = readLive(conn)
		Expect(websocket.IsCloseError(err, websocket.CloseGoingAway)).To(BeTrue(), "got %v", err)
	})

	It("should unregister when the client disconnects", func() {
		close(st.gate)
		conn := dial()
		_, err := readLive(conn)
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Count).Should(Equal(1))

		Expect(conn.Close()).To(Succeed())
		Eventually(h.Count).Should(Equal(0))
	})
})
