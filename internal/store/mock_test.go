package store_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/internal/store/mock"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

var _ = Describe("MockStore", func() {
	var (
		ctx  context.Context
		s    *mock.MockStore
		base time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = mock.NewMockStore()
		base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	})

	appendAt := func(deviceID string, offset time.Duration, temp *float64) telemetry.ReadingID {
		id, err := s.Append(ctx, telemetry.Reading{
			DeviceID:    deviceID,
			ReceivedAt:  base.Add(offset),
			Temperature: temp,
			Location:    telemetry.DefaultLocation,
			NodeType:    telemetry.DefaultNodeType,
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	It("should assign increasing ids and return readings newest first", func() {
		a := appendAt("A", 0, telemetry.Float(20))
		b := appendAt("A", time.Second, telemetry.Float(21))
		Expect(b).To(BeNumerically(">", a))

		got, err := s.QueryRecent(ctx, store.RecentQuery{Since: base})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(2))
		Expect(got[0].ID).To(Equal(b))
	})

	It("should skip offset readings before applying the limit", func() {
		appendAt("A", 0, telemetry.Float(1))
		appendAt("A", time.Second, telemetry.Float(2))
		appendAt("A", 2*time.Second, telemetry.Float(3))

		got, err := s.QueryRecent(ctx, store.RecentQuery{Since: base, Limit: 1, Offset: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(*got[0].Temperature).To(BeNumerically("~", 2.0))

		got, err = s.QueryRecent(ctx, store.RecentQuery{Since: base, Offset: 5})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeEmpty())
	})

	It("should fold every device into one summary", func() {
		appendAt("A", 0, telemetry.Float(10))
		appendAt("B", time.Second, telemetry.Float(20))
		appendAt("B", -time.Hour, telemetry.Float(99))

		sum, err := s.QuerySummary(ctx, base)
		Expect(err).NotTo(HaveOccurred())
		Expect(sum.TotalDevices).To(Equal(int64(2)))
		Expect(sum.TotalReadings).To(Equal(int64(2)))
		Expect(*sum.AvgTemperature).To(BeNumerically("~", 15.0))
		Expect(sum.AvgHumidity).To(BeNil())
		Expect(sum.TotalPower).To(BeNil())
	})

	It("should keep the newest last_seen under concurrent status writers", func() {
		newer := telemetry.DeviceStatus{DeviceID: "A", Status: telemetry.StatusOffline, LastSeen: base.Add(time.Minute)}
		older := telemetry.DeviceStatus{DeviceID: "A", Status: telemetry.StatusOnline, LastSeen: base}

		applied, err := s.UpsertDeviceStatus(ctx, newer)
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(BeTrue())

		applied, err = s.UpsertDeviceStatus(ctx, older)
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(BeFalse())

		st, ok := s.Status("A")
		Expect(ok).To(BeTrue())
		Expect(st.Status).To(Equal(telemetry.StatusOffline))
	})

	It("should average only reported values", func() {
		appendAt("A", 0, telemetry.Float(10))
		appendAt("A", time.Second, nil)
		appendAt("A", 2*time.Second, telemetry.Float(20))

		aggs, err := s.QueryAggregate(ctx, store.AggregateQuery{Since: base})
		Expect(err).NotTo(HaveOccurred())
		Expect(aggs).To(HaveLen(1))
		Expect(aggs[0].TotalReadings).To(Equal(int64(3)))
		Expect(*aggs[0].AvgTemperature).To(BeNumerically("~", 15.0))
		Expect(aggs[0].AvgHumidity).To(BeNil())
	})

	It("should purge readings and derived metrics older than the cutoff", func() {
		_, err := s.Append(ctx, telemetry.Reading{DeviceID: "A", ReceivedAt: base},
			&telemetry.DerivedMetric{DeviceID: "A", ReceivedAt: base})
		Expect(err).NotTo(HaveOccurred())
		appendAt("A", time.Hour, nil)

		n, err := s.PurgeOlderThan(ctx, base.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
		Expect(s.Readings()).To(HaveLen(1))
		Expect(s.Derived()).To(BeEmpty())
	})

	It("should flip only stale online devices", func() {
		s.SetStatus(telemetry.DeviceStatus{DeviceID: "A", Status: telemetry.StatusOnline, LastSeen: base})
		s.SetStatus(telemetry.DeviceStatus{DeviceID: "B", Status: telemetry.StatusOnline, LastSeen: base.Add(time.Hour)})

		changed, err := s.MarkStaleOffline(ctx, base.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(HaveLen(1))
		Expect(changed[0].DeviceID).To(Equal("A"))
		Expect(changed[0].Status).To(Equal(telemetry.StatusOffline))
	})

	It("should record calls even when configured to fail", func() {
		s.AppendError = errors.New("boom")
		_, err := s.Append(ctx, telemetry.Reading{DeviceID: "A"}, nil)
		Expect(err).To(MatchError("boom"))
		Expect(s.AppendCalls).To(HaveLen(1))
		Expect(s.Readings()).To(BeEmpty())
	})
})
