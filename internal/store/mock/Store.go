// Package mock provides in-memory implementations of the store interfaces for testing.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// MockStore is an in-memory Store. By default it behaves like the real store;
// the Func and Error fields override individual operations.
type MockStore struct {
	mu sync.Mutex

	readings []telemetry.Reading
	carbon   []telemetry.DerivedMetric
	statuses map[string]telemetry.DeviceStatus
	nextID   uint64

	// AppendFunc is called when Append is invoked. If nil, the reading is stored
	// in memory unless AppendError is set.
	AppendFunc func(ctx context.Context, r telemetry.Reading, d *telemetry.DerivedMetric) (telemetry.ReadingID, error)
	// AppendError is returned by Append if AppendFunc is nil.
	AppendError error
	// AppendCalls tracks all calls to Append with their arguments.
	AppendCalls []AppendCall

	// UpsertStatusFunc is called when UpsertDeviceStatus is invoked.
	UpsertStatusFunc func(ctx context.Context, s telemetry.DeviceStatus) (bool, error)
	// UpsertStatusError is returned by UpsertDeviceStatus if UpsertStatusFunc is nil.
	UpsertStatusError error
	// UpsertStatusCalls tracks all calls to UpsertDeviceStatus.
	UpsertStatusCalls []telemetry.DeviceStatus

	// QueryError is returned by every query operation when set.
	QueryError error

	// PingError is returned by Ping.
	PingError error
	// PingCalls tracks the number of times Ping was called.
	PingCalls int

	// PurgeCalls tracks the cutoffs passed to PurgeOlderThan.
	PurgeCalls []time.Time
}

// AppendCall records the arguments to an Append call.
type AppendCall struct {
	Reading telemetry.Reading
	Derived *telemetry.DerivedMetric
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		statuses:          make(map[string]telemetry.DeviceStatus),
		AppendCalls:       make([]AppendCall, 0),
		UpsertStatusCalls: make([]telemetry.DeviceStatus, 0),
	}
}

// Append implements store.Store.
func (m *MockStore) Append(ctx context.Context, r telemetry.Reading, d *telemetry.DerivedMetric) (telemetry.ReadingID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendCalls = append(m.AppendCalls, AppendCall{Reading: r, Derived: d})

	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, r, d)
	}
	if m.AppendError != nil {
		return 0, m.AppendError
	}

	m.nextID++
	r.ID = telemetry.ReadingID(m.nextID)
	m.readings = append(m.readings, r)
	if d != nil {
		c := *d
		c.ReadingID = r.ID
		m.carbon = append(m.carbon, c)
	}
	return r.ID, nil
}

// Readings returns a copy of every stored reading in insertion order.
func (m *MockStore) Readings() []telemetry.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.Reading(nil), m.readings...)
}

// Derived returns a copy of every stored derived metric in insertion order.
func (m *MockStore) Derived() []telemetry.DerivedMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.DerivedMetric(nil), m.carbon...)
}

// Status returns the stored status of a device.
func (m *MockStore) Status(deviceID string) (telemetry.DeviceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[deviceID]
	return s, ok
}

// QueryRecent implements store.Store.
func (m *MockStore) QueryRecent(_ context.Context, q store.RecentQuery) ([]telemetry.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	out := make([]telemetry.Reading, 0)
	for i := len(m.readings) - 1; i >= 0; i-- {
		r := m.readings[i]
		if r.ReceivedAt.Before(q.Since) || (q.DeviceID != "" && r.DeviceID != q.DeviceID) {
			continue
		}
		out = append(out, r)
	}
	sortNewestFirst(out)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []telemetry.Reading{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// QueryLatestPerDevice implements store.Store.
func (m *MockStore) QueryLatestPerDevice(_ context.Context, since time.Time) ([]telemetry.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	latest := make(map[string]telemetry.Reading)
	for _, r := range m.readings {
		if r.ReceivedAt.Before(since) {
			continue
		}
		if cur, ok := latest[r.DeviceID]; !ok || !r.ReceivedAt.Before(cur.ReceivedAt) {
			latest[r.DeviceID] = r
		}
	}

	out := make([]telemetry.Reading, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sortNewestFirst(out)
	return out, nil
}

// QueryAggregate implements store.Store.
func (m *MockStore) QueryAggregate(_ context.Context, q store.AggregateQuery) ([]telemetry.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	type acc struct {
		agg    telemetry.Aggregate
		sums   [10]float64
		counts [10]int
	}
	byDevice := make(map[string]*acc)
	for _, r := range m.readings {
		if r.ReceivedAt.Before(q.Since) || (q.DeviceID != "" && r.DeviceID != q.DeviceID) {
			continue
		}
		a, ok := byDevice[r.DeviceID]
		if !ok {
			a = &acc{agg: telemetry.Aggregate{DeviceID: r.DeviceID, FirstReading: r.ReceivedAt, LastReading: r.ReceivedAt}}
			byDevice[r.DeviceID] = a
		}
		a.agg.TotalReadings++
		if r.ReceivedAt.Before(a.agg.FirstReading) {
			a.agg.FirstReading = r.ReceivedAt
		}
		if r.ReceivedAt.After(a.agg.LastReading) {
			a.agg.LastReading = r.ReceivedAt
		}
		for i, v := range fields(r) {
			if v != nil {
				a.sums[i] += *v
				a.counts[i]++
			}
		}
	}

	out := make([]telemetry.Aggregate, 0, len(byDevice))
	for _, a := range byDevice {
		avgs := [10]*float64{}
		for i := range avgs {
			if a.counts[i] > 0 {
				avgs[i] = telemetry.Float(a.sums[i] / float64(a.counts[i]))
			}
		}
		agg := a.agg
		agg.AvgTemperature, agg.AvgHumidity, agg.AvgPressure = avgs[0], avgs[1], avgs[2]
		agg.AvgPM25, agg.AvgPM10, agg.AvgCO2 = avgs[3], avgs[4], avgs[5]
		agg.AvgAirQuality, agg.AvgLightLevel = avgs[6], avgs[7]
		agg.AvgPowerConsumption, agg.AvgWiFiRSSI = avgs[8], avgs[9]
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// QuerySummary implements store.Store.
func (m *MockStore) QuerySummary(_ context.Context, since time.Time) (telemetry.FleetSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return telemetry.FleetSummary{}, m.QueryError
	}

	var (
		out     telemetry.FleetSummary
		sums    [3]float64
		counts  [3]int
		devices = make(map[string]struct{})
	)
	for _, r := range m.readings {
		if r.ReceivedAt.Before(since) {
			continue
		}
		devices[r.DeviceID] = struct{}{}
		out.TotalReadings++
		for i, v := range []*float64{r.Temperature, r.Humidity, r.PM25} {
			if v != nil {
				sums[i] += *v
				counts[i]++
			}
		}
		if r.PowerConsumption != nil {
			if out.TotalPower == nil {
				out.TotalPower = telemetry.Float(0)
			}
			*out.TotalPower += *r.PowerConsumption
		}
	}
	out.TotalDevices = int64(len(devices))

	avgs := [3]*float64{}
	for i := range avgs {
		if counts[i] > 0 {
			avgs[i] = telemetry.Float(sums[i] / float64(counts[i]))
		}
	}
	out.AvgTemperature, out.AvgHumidity, out.AvgPM25 = avgs[0], avgs[1], avgs[2]
	return out, nil
}

func fields(r telemetry.Reading) [10]*float64 {
	return [10]*float64{
		r.Temperature, r.Humidity, r.Pressure, r.PM25, r.PM10,
		r.CO2, r.AirQuality, r.LightLevel, r.PowerConsumption, r.WiFiRSSI,
	}
}

// QueryCarbon implements store.Store.
func (m *MockStore) QueryCarbon(_ context.Context, q store.CarbonQuery) ([]telemetry.DerivedMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	out := make([]telemetry.DerivedMetric, 0)
	for i := len(m.carbon) - 1; i >= 0; i-- {
		d := m.carbon[i]
		if d.ReceivedAt.Before(q.Since) || (q.DeviceID != "" && d.DeviceID != q.DeviceID) {
			continue
		}
		out = append(out, d)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ListDevices implements store.Store.
func (m *MockStore) ListDevices(_ context.Context) ([]telemetry.DeviceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	byDevice := make(map[string]*telemetry.DeviceSummary)
	for _, r := range m.readings {
		d, ok := byDevice[r.DeviceID]
		if !ok {
			d = &telemetry.DeviceSummary{DeviceID: r.DeviceID, Status: telemetry.StatusUnknown}
			byDevice[r.DeviceID] = d
		}
		d.ReadingCount++
		if !r.ReceivedAt.Before(d.LastSeen) {
			d.LastSeen = r.ReceivedAt
			d.Location = r.Location
			d.NodeType = r.NodeType
		}
	}
	for id, s := range m.statuses {
		d, ok := byDevice[id]
		if !ok {
			d = &telemetry.DeviceSummary{
				DeviceID: id,
				Location: telemetry.DefaultLocation,
				NodeType: telemetry.DefaultNodeType,
			}
			byDevice[id] = d
		}
		d.Status = s.Status
		d.SourceAddress = s.SourceAddress
		if s.LastSeen.After(d.LastSeen) {
			d.LastSeen = s.LastSeen
		}
	}

	out := make([]telemetry.DeviceSummary, 0, len(byDevice))
	for _, d := range byDevice {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

// UpsertDeviceStatus implements store.Store with the same last_seen
// compare-and-set rule as the database.
func (m *MockStore) UpsertDeviceStatus(ctx context.Context, s telemetry.DeviceStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertStatusCalls = append(m.UpsertStatusCalls, s)

	if m.UpsertStatusFunc != nil {
		return m.UpsertStatusFunc(ctx, s)
	}
	if m.UpsertStatusError != nil {
		return false, m.UpsertStatusError
	}

	cur, ok := m.statuses[s.DeviceID]
	if ok && cur.LastSeen.After(s.LastSeen) {
		return false, nil
	}
	if ok && s.SourceAddress == "" {
		s.SourceAddress = cur.SourceAddress
	}
	m.statuses[s.DeviceID] = s
	return true, nil
}

// SetStatus stores s unconditionally. It is a test helper.
func (m *MockStore) SetStatus(s telemetry.DeviceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[s.DeviceID] = s
}

// MarkStaleOffline implements store.Store.
func (m *MockStore) MarkStaleOffline(_ context.Context, before time.Time) ([]telemetry.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryError != nil {
		return nil, m.QueryError
	}

	changed := make([]telemetry.DeviceStatus, 0)
	for id, s := range m.statuses {
		if s.Status == telemetry.StatusOnline && s.LastSeen.Before(before) {
			s.Status = telemetry.StatusOffline
			s.Source = telemetry.SourceSweep
			m.statuses[id] = s
			changed = append(changed, s)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].DeviceID < changed[j].DeviceID })
	return changed, nil
}

// PurgeOlderThan implements store.Store.
func (m *MockStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PurgeCalls = append(m.PurgeCalls, cutoff)
	if m.QueryError != nil {
		return 0, m.QueryError
	}

	kept := m.readings[:0]
	var purged int64
	for _, r := range m.readings {
		if r.ReceivedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	m.readings = kept

	keptCarbon := m.carbon[:0]
	for _, d := range m.carbon {
		if !d.ReceivedAt.Before(cutoff) {
			keptCarbon = append(keptCarbon, d)
		}
	}
	m.carbon = keptCarbon

	return purged, nil
}

// Ping implements store.Store.
func (m *MockStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingCalls++
	return m.PingError
}

func sortNewestFirst(rs []telemetry.Reading) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].ReceivedAt.Equal(rs[j].ReceivedAt) {
			return rs[i].ReceivedAt.After(rs[j].ReceivedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}

// Ensure MockStore implements store.Store.
var _ store.Store = (*MockStore)(nil)
