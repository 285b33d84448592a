package hub_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/internal/hub"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

func sensorEvent(deviceID string, ts int64) telemetry.Event {
	return telemetry.SensorEvent(telemetry.Reading{DeviceID: deviceID, Timestamp: ts}, nil)
}

func next(sub *hub.Subscription) (telemetry.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Next(ctx)
}

var _ = Describe("Hub", func() {
	var (
		logger *slog.Logger
		h      *hub.Hub
	)

	newHub := func(capacity int, drain time.Duration) *hub.Hub {
		hb, err := hub.New(&hub.Config{Logger: logger, QueueCapacity: capacity, DrainTimeout: drain})
		Expect(err).NotTo(HaveOccurred())
		return hb
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		h = newHub(16, time.Second)
	})

	AfterEach(func() {
		h.Close()
	})

	Describe("New", func() {
		It("should reject a nil config", func() {
			_, err := hub.New(nil)
			Expect(err).To(MatchError("config cannot be nil"))
		})

		It("should reject a nil logger", func() {
			_, err := hub.New(&hub.Config{})
			Expect(err).To(MatchError("logger cannot be nil"))
		})
	})

	Describe("Register", func() {
		It("should make the subscription active", func() {
			sub := h.Register()
			Expect(sub.State()).To(Equal(hub.StateActive))
			Expect(sub.ID()).NotTo(BeEmpty())
			Expect(h.Count()).To(Equal(1))
		})

		It("should not replay events published before registration", func() {
			h.Publish(sensorEvent("A", 1))
			sub := h.Register()
			h.Publish(sensorEvent("A", 2))

			e, err := next(sub)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Reading.Timestamp).To(Equal(int64(2)))
			Expect(e.Seq).To(Equal(uint64(2)))
		})
	})

	Describe("Publish", func() {
		It("should deliver events in publish order with increasing sequence numbers", func() {
			sub := h.Register()
			for i := int64(1); i <= 10; i++ {
				Expect(h.Publish(sensorEvent("A", i))).To(Equal(uint64(i)))
			}

			var last uint64
			for i := int64(1); i <= 10; i++ {
				e, err := next(sub)
				Expect(err).NotTo(HaveOccurred())
				Expect(e.Reading.Timestamp).To(Equal(i))
				Expect(e.Seq).To(BeNumerically(">", last))
				last = e.Seq
			}
			Expect(sub.Cursor()).To(Equal(last))
		})

		It("should give every subscriber the same order under concurrent publishers", func() {
			a := newHub(1000, time.Second)
			defer a.Close()
			s1 := a.Register()
			s2 := a.Register()

			var wg sync.WaitGroup
			for p := 0; p < 4; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := 0; i < 50; i++ {
						a.Publish(sensorEvent(fmt.Sprintf("dev-%d", p), int64(i)))
					}
				}(p)
			}
			wg.Wait()

			for i := 0; i < 200; i++ {
				e1, err := next(s1)
				Expect(err).NotTo(HaveOccurred())
				e2, err := next(s2)
				Expect(err).NotTo(HaveOccurred())
				Expect(e1.Seq).To(Equal(e2.Seq))
				Expect(e1.Reading.DeviceID).To(Equal(e2.Reading.DeviceID))
			}
		})

		It("should return 0 once the hub is closed", func() {
			h.Close()
			Expect(h.Publish(sensorEvent("A", 1))).To(BeZero())
		})
	})

	Describe("overflow", func() {
		It("should drain a slow subscriber without affecting a fast one", func() {
			small := newHub(2, time.Second)
			defer small.Close()
			slow := small.Register()
			fast := small.Register()

			received := make(chan telemetry.Event, 10)
			go func() {
				for {
					e, err := fast.Next(context.Background())
					if err != nil {
						return
					}
					received <- e
				}
			}()

			for i := int64(1); i <= 5; i++ {
				small.Publish(sensorEvent("A", i))
				Eventually(received).Should(Receive())
			}

			Expect(slow.State()).To(Equal(hub.StateDraining))
			Expect(small.Count()).To(Equal(1))
			Expect(fast.State()).To(Equal(hub.StateActive))

			// backlog published before the overflow is still readable
			e, err := next(slow)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Reading.Timestamp).To(Equal(int64(1)))
			e, err = next(slow)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Reading.Timestamp).To(Equal(int64(2)))

			_, err = next(slow)
			Expect(err).To(MatchError(telemetry.ErrSubscriberOverflow))
			Expect(slow.State()).To(Equal(hub.StateClosed))
			Eventually(slow.Done()).Should(BeClosed())
		})

		It("should force-close a draining subscriber after the drain timeout", func() {
			small := newHub(1, 50*time.Millisecond)
			defer small.Close()
			slow := small.Register()

			small.Publish(sensorEvent("A", 1))
			small.Publish(sensorEvent("A", 2))
			Expect(slow.State()).To(Equal(hub.StateDraining))

			Eventually(slow.Done()).Should(BeClosed())
			Expect(slow.State()).To(Equal(hub.StateClosed))
			Expect(slow.Err()).To(MatchError(telemetry.ErrSubscriberOverflow))

			_, err := next(slow)
			Expect(err).To(MatchError(telemetry.ErrSubscriberOverflow))
		})
	})

	Describe("Unregister", func() {
		It("should be idempotent", func() {
			sub := h.Register()
			h.Unregister(sub)
			h.Unregister(sub)
			h.Unregister(nil)

			Expect(sub.State()).To(Equal(hub.StateClosed))
			Expect(h.Count()).To(BeZero())
			_, err := next(sub)
			Expect(err).To(MatchError(telemetry.ErrSubscriptionClosed))
		})

		It("should stop delivery to the removed subscriber only", func() {
			gone := h.Register()
			kept := h.Register()
			h.Unregister(gone)

			h.Publish(sensorEvent("A", 1))
			e, err := next(kept)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Reading.DeviceID).To(Equal("A"))
		})

		It("should keep the overflow cause after unregistering a draining subscriber", func() {
			small := newHub(1, time.Minute)
			defer small.Close()
			sub := small.Register()
			small.Publish(sensorEvent("A", 1))
			small.Publish(sensorEvent("A", 2))

			small.Unregister(sub)
			Expect(sub.Err()).To(MatchError(telemetry.ErrSubscriberOverflow))
		})
	})

	Describe("Next", func() {
		It("should honour context cancellation", func() {
			sub := h.Register()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := sub.Next(ctx)
			Expect(err).To(MatchError(context.Canceled))
			Expect(sub.State()).To(Equal(hub.StateActive))
		})
	})

	Describe("Close", func() {
		It("should close every subscription with ErrHubClosed", func() {
			s1 := h.Register()
			s2 := h.Register()
			h.Close()

			for _, s := range []*hub.Subscription{s1, s2} {
				Eventually(s.Done()).Should(BeClosed())
				_, err := next(s)
				Expect(err).To(MatchError(telemetry.ErrHubClosed))
			}
			Expect(h.Count()).To(BeZero())
		})

		It("should hand out closed subscriptions afterwards", func() {
			h.Close()
			sub := h.Register()
			Expect(sub.State()).To(Equal(hub.StateClosed))
			Expect(sub.Err()).To(MatchError(telemetry.ErrHubClosed))
		})
	})
})
