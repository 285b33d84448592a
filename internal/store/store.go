// Package store persists readings, derived metrics and device status in PostgreSQL
// and answers the time-windowed queries behind the API.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// RecentQuery selects readings received at or after Since, newest first.
// An empty DeviceID selects every device.
type RecentQuery struct {
	Since    time.Time
	DeviceID string
	Limit    int
	Offset   int
}

// AggregateQuery selects the window summarised by QueryAggregate.
type AggregateQuery struct {
	Since    time.Time
	DeviceID string
}

// CarbonQuery selects derived metrics, newest first.
type CarbonQuery struct {
	Since    time.Time
	DeviceID string
	Limit    int
}

// Store is the durable record of telemetry.
type Store interface {
	// Append writes a reading and its optional derived metric atomically.
	Append(ctx context.Context, r telemetry.Reading, d *telemetry.DerivedMetric) (telemetry.ReadingID, error)
	QueryRecent(ctx context.Context, q RecentQuery) ([]telemetry.Reading, error)
	// QueryLatestPerDevice returns the newest reading of every device seen since the given time.
	QueryLatestPerDevice(ctx context.Context, since time.Time) ([]telemetry.Reading, error)
	QueryAggregate(ctx context.Context, q AggregateQuery) ([]telemetry.Aggregate, error)
	// QuerySummary aggregates all devices' readings received since the given time.
	QuerySummary(ctx context.Context, since time.Time) (telemetry.FleetSummary, error)
	QueryCarbon(ctx context.Context, q CarbonQuery) ([]telemetry.DerivedMetric, error)
	// ListDevices returns the roster with the stored (not recency-decayed) status.
	ListDevices(ctx context.Context) ([]telemetry.DeviceSummary, error)
	// UpsertDeviceStatus applies s unless a newer last_seen is already stored.
	// It reports whether the row was written.
	UpsertDeviceStatus(ctx context.Context, s telemetry.DeviceStatus) (bool, error)
	// MarkStaleOffline flips online devices last seen before the cutoff to offline
	// and returns the rows it changed.
	MarkStaleOffline(ctx context.Context, before time.Time) ([]telemetry.DeviceStatus, error)
	// PurgeOlderThan deletes readings and derived metrics received before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Config holds configuration for the GormStore.
type Config struct {
	DB         *gorm.DB
	Logger     *slog.Logger
	Metrics    *metrics.IngestMetrics // Optional
	MaxRetries int
}

// GormStore implements Store on PostgreSQL through gorm.
type GormStore struct {
	db         *gorm.DB
	logger     *slog.Logger
	metrics    *metrics.IngestMetrics
	maxRetries int
}

// New creates a GormStore.
func New(cfg *Config) (*GormStore, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &GormStore{
		db:         cfg.DB,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		maxRetries: retries,
	}, nil
}

// Append implements Store.
func (s *GormStore) Append(ctx context.Context, r telemetry.Reading, d *telemetry.DerivedMetric) (telemetry.ReadingID, error) {
	var id uint64
	err := s.do(ctx, "append", func(ctx context.Context) error {
		row := readingRow(r)
		if d != nil {
			c := carbonRow(*d)
			row.Carbon = &c
		}
		// the reading and its carbon row are inserted in one transaction
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
		id = row.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return telemetry.ReadingID(id), nil
}

// QueryRecent implements Store.
func (s *GormStore) QueryRecent(ctx context.Context, q RecentQuery) ([]telemetry.Reading, error) {
	var rows []SensorReading
	err := s.do(ctx, "query_recent", func(ctx context.Context) error {
		tx := s.db.WithContext(ctx).Where("received_at >= ?", q.Since)
		if q.DeviceID != "" {
			tx = tx.Where("device_id = ?", q.DeviceID)
		}
		if q.Limit > 0 {
			tx = tx.Limit(q.Limit)
		}
		if q.Offset > 0 {
			tx = tx.Offset(q.Offset)
		}
		return tx.Order("received_at DESC, id DESC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return toReadings(rows), nil
}

// QueryLatestPerDevice implements Store.
func (s *GormStore) QueryLatestPerDevice(ctx context.Context, since time.Time) ([]telemetry.Reading, error) {
	var rows []SensorReading
	err := s.do(ctx, "query_latest", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Raw(
			`SELECT DISTINCT ON (device_id) *
			FROM sensor_readings
			WHERE received_at >= ?
			ORDER BY device_id, received_at DESC, id DESC`, since).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	readings := toReadings(rows)
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].ReceivedAt.After(readings[j].ReceivedAt)
	})
	return readings, nil
}

type aggregateRow struct {
	FirstReading        time.Time
	LastReading         time.Time
	AvgTemperature      *float64
	AvgHumidity         *float64
	AvgPressure         *float64
	AvgPM25             *float64 `gorm:"column:avg_pm25"`
	AvgPM10             *float64 `gorm:"column:avg_pm10"`
	AvgCO2              *float64 `gorm:"column:avg_co2"`
	AvgAirQuality       *float64
	AvgLightLevel       *float64
	AvgPowerConsumption *float64
	AvgWiFiRSSI         *float64 `gorm:"column:avg_wifi_rssi"`
	DeviceID            string
	TotalReadings       int64
}

// QueryAggregate implements Store. AVG ignores NULLs, so a field nobody
// reported in the window comes back nil.
func (s *GormStore) QueryAggregate(ctx context.Context, q AggregateQuery) ([]telemetry.Aggregate, error) {
	var rows []aggregateRow
	err := s.do(ctx, "query_aggregate", func(ctx context.Context) error {
		tx := s.db.WithContext(ctx).Model(&SensorReading{}).
			Select(`device_id,
				COUNT(*) AS total_readings,
				AVG(temperature) AS avg_temperature,
				AVG(humidity) AS avg_humidity,
				AVG(pressure) AS avg_pressure,
				AVG(pm25) AS avg_pm25,
				AVG(pm10) AS avg_pm10,
				AVG(co2) AS avg_co2,
				AVG(air_quality) AS avg_air_quality,
				AVG(light_level) AS avg_light_level,
				AVG(power_consumption) AS avg_power_consumption,
				AVG(wifi_rssi) AS avg_wifi_rssi,
				MIN(received_at) AS first_reading,
				MAX(received_at) AS last_reading`).
			Where("received_at >= ?", q.Since)
		if q.DeviceID != "" {
			tx = tx.Where("device_id = ?", q.DeviceID)
		}
		return tx.Group("device_id").Order("device_id").Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]telemetry.Aggregate, 0, len(rows))
	for _, row := range rows {
		out = append(out, telemetry.Aggregate{
			FirstReading:        row.FirstReading.UTC(),
			LastReading:         row.LastReading.UTC(),
			AvgTemperature:      row.AvgTemperature,
			AvgHumidity:         row.AvgHumidity,
			AvgPressure:         row.AvgPressure,
			AvgPM25:             row.AvgPM25,
			AvgPM10:             row.AvgPM10,
			AvgCO2:              row.AvgCO2,
			AvgAirQuality:       row.AvgAirQuality,
			AvgLightLevel:       row.AvgLightLevel,
			AvgPowerConsumption: row.AvgPowerConsumption,
			AvgWiFiRSSI:         row.AvgWiFiRSSI,
			DeviceID:            row.DeviceID,
			TotalReadings:       row.TotalReadings,
		})
	}
	return out, nil
}

type summaryRow struct {
	AvgTemperature *float64
	AvgHumidity    *float64
	AvgPM25        *float64 `gorm:"column:avg_pm25"`
	TotalPower     *float64
	TotalDevices   int64
	TotalReadings  int64
}

// QuerySummary implements Store.
func (s *GormStore) QuerySummary(ctx context.Context, since time.Time) (telemetry.FleetSummary, error) {
	var row summaryRow
	err := s.do(ctx, "query_summary", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Model(&SensorReading{}).
			Select(`COUNT(DISTINCT device_id) AS total_devices,
				COUNT(*) AS total_readings,
				AVG(temperature) AS avg_temperature,
				AVG(humidity) AS avg_humidity,
				AVG(pm25) AS avg_pm25,
				SUM(power_consumption) AS total_power`).
			Where("received_at >= ?", since).
			Scan(&row).Error
	})
	if err != nil {
		return telemetry.FleetSummary{}, err
	}
	return telemetry.FleetSummary{
		AvgTemperature: row.AvgTemperature,
		AvgHumidity:    row.AvgHumidity,
		AvgPM25:        row.AvgPM25,
		TotalPower:     row.TotalPower,
		TotalDevices:   row.TotalDevices,
		TotalReadings:  row.TotalReadings,
	}, nil
}

// QueryCarbon implements Store.
func (s *GormStore) QueryCarbon(ctx context.Context, q CarbonQuery) ([]telemetry.DerivedMetric, error) {
	var rows []CarbonCalculation
	err := s.do(ctx, "query_carbon", func(ctx context.Context) error {
		tx := s.db.WithContext(ctx).Where("received_at >= ?", q.Since)
		if q.DeviceID != "" {
			tx = tx.Where("device_id = ?", q.DeviceID)
		}
		if q.Limit > 0 {
			tx = tx.Limit(q.Limit)
		}
		return tx.Order("received_at DESC, id DESC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]telemetry.DerivedMetric, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDerived())
	}
	return out, nil
}

type deviceRow struct {
	LastSeen      time.Time
	DeviceID      string
	Location      *string
	NodeType      *string
	Status        string
	SourceAddress *string
	TotalReadings int64
}

// ListDevices implements Store. Devices that only ever sent status or
// heartbeat messages are included with zero readings.
func (s *GormStore) ListDevices(ctx context.Context) ([]telemetry.DeviceSummary, error) {
	var rows []deviceRow
	err := s.do(ctx, "list_devices", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Raw(
			`SELECT COALESCE(r.device_id, s.device_id) AS device_id,
				r.location,
				r.node_type,
				COALESCE(r.total_readings, 0) AS total_readings,
				GREATEST(r.last_seen, s.last_seen) AS last_seen,
				COALESCE(s.status, 'unknown') AS status,
				s.source_address
			FROM (
				SELECT device_id,
					COUNT(*) AS total_readings,
					MAX(received_at) AS last_seen,
					(array_agg(location ORDER BY received_at DESC))[1] AS location,
					(array_agg(node_type ORDER BY received_at DESC))[1] AS node_type
				FROM sensor_readings
				GROUP BY device_id
			) r
			FULL OUTER JOIN device_statuses s ON s.device_id = r.device_id
			ORDER BY last_seen DESC, device_id`).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]telemetry.DeviceSummary, 0, len(rows))
	for _, row := range rows {
		sum := telemetry.DeviceSummary{
			LastSeen:     row.LastSeen.UTC(),
			DeviceID:     row.DeviceID,
			Location:     telemetry.DefaultLocation,
			NodeType:     telemetry.DefaultNodeType,
			Status:       telemetry.Status(row.Status),
			ReadingCount: row.TotalReadings,
		}
		if row.Location != nil {
			sum.Location = *row.Location
		}
		if row.NodeType != nil {
			sum.NodeType = *row.NodeType
		}
		if row.SourceAddress != nil {
			sum.SourceAddress = *row.SourceAddress
		}
		out = append(out, sum)
	}
	return out, nil
}

// UpsertDeviceStatus implements Store. The conditional ON CONFLICT update makes
// concurrent writers converge on the record with the newest last_seen.
func (s *GormStore) UpsertDeviceStatus(ctx context.Context, st telemetry.DeviceStatus) (bool, error) {
	var applied bool
	err := s.do(ctx, "upsert_status", func(ctx context.Context) error {
		row := statusRow(st)
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "status"}, Value: gorm.Expr("excluded.status")},
				{Column: clause.Column{Name: "last_seen"}, Value: gorm.Expr("excluded.last_seen")},
				{Column: clause.Column{Name: "source"}, Value: gorm.Expr("excluded.source")},
				{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
				{
					Column: clause.Column{Name: "source_address"},
					Value:  gorm.Expr("COALESCE(NULLIF(excluded.source_address, ''), device_statuses.source_address)"),
				},
			},
			Where: clause.Where{Exprs: []clause.Expression{
				gorm.Expr("device_statuses.last_seen <= excluded.last_seen"),
			}},
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if s.metrics != nil {
		s.metrics.StatusUpdates.WithLabelValues(st.Source, boolLabel(applied)).Inc()
	}
	return applied, nil
}

// MarkStaleOffline implements Store.
func (s *GormStore) MarkStaleOffline(ctx context.Context, before time.Time) ([]telemetry.DeviceStatus, error) {
	var rows []DeviceStatus
	err := s.do(ctx, "mark_offline", func(ctx context.Context) error {
		rows = nil
		return s.db.WithContext(ctx).Model(&rows).
			Clauses(clause.Returning{}).
			Where("status = ? AND last_seen < ?", string(telemetry.StatusOnline), before).
			Updates(map[string]any{
				"status": string(telemetry.StatusOffline),
				"source": telemetry.SourceSweep,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]telemetry.DeviceStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toStatus())
	}
	return out, nil
}

// PurgeOlderThan implements Store.
func (s *GormStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.do(ctx, "purge", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("received_at < ?", cutoff).Delete(&CarbonCalculation{}).Error; err != nil {
				return err
			}
			res := tx.Where("received_at < ?", cutoff).Delete(&SensorReading{})
			if res.Error != nil {
				return res.Error
			}
			purged = res.RowsAffected
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.RowsPurged.Add(float64(purged))
	}
	return purged, nil
}

// Ping implements Store.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return telemetry.NewStoreError("ping", 1, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return telemetry.NewStoreError("ping", 1, err)
	}
	return nil
}

func toReadings(rows []SensorReading) []telemetry.Reading {
	out := make([]telemetry.Reading, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toReading())
	}
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Ensure GormStore implements Store.
var _ Store = (*GormStore)(nil)
