package backend_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/ecoatlas/internal/backend"
	"procodus.dev/ecoatlas/internal/store/mock"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []telemetry.DeviceStatus
}

func (r *statusRecorder) PublishStatus(s telemetry.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) Statuses() []telemetry.DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.DeviceStatus(nil), r.statuses...)
}

var sweeperMetrics = metrics.NewIngestMetrics("sweeper_test")

var _ = Describe("Sweeper", func() {
	var (
		ctx context.Context
		st  *mock.MockStore
		pub *statusRecorder
		now time.Time
	)

	newSweeper := func(interval time.Duration) *backend.Sweeper {
		s, err := backend.NewSweeper(&backend.SweeperConfig{
			Store:        st,
			Publisher:    pub,
			Logger:       newTestLogger(),
			Now:          func() time.Time { return now },
			Interval:     interval,
			Horizon:      24 * time.Hour,
			OfflineAfter: 2 * time.Minute,
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		st = mock.NewMockStore()
		pub = &statusRecorder{}
		now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	})

	It("should validate its configuration", func() {
		_, err := backend.NewSweeper(nil)
		Expect(err).To(MatchError("sweeper config cannot be nil"))

		_, err = backend.NewSweeper(&backend.SweeperConfig{Publisher: pub, Logger: newTestLogger()})
		Expect(err).To(MatchError("store cannot be nil"))

		_, err = backend.NewSweeper(&backend.SweeperConfig{Store: st, Logger: newTestLogger()})
		Expect(err).To(MatchError("publisher cannot be nil"))
	})

	It("should purge readings older than the horizon", func() {
		Expect(newSweeper(time.Minute).Sweep(ctx)).To(Succeed())

		Expect(st.PurgeCalls).To(HaveLen(1))
		Expect(st.PurgeCalls[0]).To(Equal(now.Add(-24 * time.Hour)))
	})

	It("should leave purged row accounting to the store", func() {
		_, err := st.Append(ctx, telemetry.Reading{DeviceID: "old", ReceivedAt: now.Add(-48 * time.Hour)}, nil)
		Expect(err).NotTo(HaveOccurred())
		st.SetStatus(telemetry.DeviceStatus{DeviceID: "old", Status: telemetry.StatusOnline, LastSeen: now.Add(-48 * time.Hour)})

		s, err := backend.NewSweeper(&backend.SweeperConfig{
			Store:        st,
			Publisher:    pub,
			Logger:       newTestLogger(),
			Metrics:      sweeperMetrics,
			Now:          func() time.Time { return now },
			Interval:     time.Minute,
			Horizon:      24 * time.Hour,
			OfflineAfter: 2 * time.Minute,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Sweep(ctx)).To(Succeed())

		Expect(st.Readings()).To(BeEmpty())
		Expect(testutil.ToFloat64(sweeperMetrics.RowsPurged)).To(BeZero())
		Expect(testutil.ToFloat64(sweeperMetrics.StatusUpdates.WithLabelValues(telemetry.SourceSweep, "true"))).To(Equal(1.0))
	})

	It("should mark silent devices offline and broadcast them", func() {
		st.SetStatus(telemetry.DeviceStatus{DeviceID: "quiet", Status: telemetry.StatusOnline, LastSeen: now.Add(-5 * time.Minute)})
		st.SetStatus(telemetry.DeviceStatus{DeviceID: "chatty", Status: telemetry.StatusOnline, LastSeen: now.Add(-30 * time.Second)})
		st.SetStatus(telemetry.DeviceStatus{DeviceID: "gone", Status: telemetry.StatusOffline, LastSeen: now.Add(-time.Hour)})

		Expect(newSweeper(time.Minute).Sweep(ctx)).To(Succeed())

		published := pub.Statuses()
		Expect(published).To(HaveLen(1))
		Expect(published[0].DeviceID).To(Equal("quiet"))
		Expect(published[0].Status).To(Equal(telemetry.StatusOffline))

		chatty, _ := st.Status("chatty")
		Expect(chatty.Status).To(Equal(telemetry.StatusOnline))
	})

	It("should report store failures", func() {
		st.QueryError = errors.New("database is down")
		err := newSweeper(time.Minute).Sweep(ctx)
		Expect(err).To(MatchError(ContainSubstring("database is down")))
	})

	It("should sweep periodically until canceled", func() {
		st.SetStatus(telemetry.DeviceStatus{DeviceID: "quiet", Status: telemetry.StatusOnline, LastSeen: now.Add(-5 * time.Minute)})

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error)
		go func() { done <- newSweeper(10 * time.Millisecond).Run(runCtx) }()

		Eventually(pub.Statuses).Should(HaveLen(1))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
