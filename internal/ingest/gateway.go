// Package ingest accepts raw device payloads from any transport, validates and
// normalises them, persists them and hands them to the live fan-out.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// DefaultMaxPayloadBytes bounds the size of a single device payload.
const DefaultMaxPayloadBytes = 32 * 1024

// Transport names used in metadata and metrics.
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
	TransportNATS = "nats"
)

const (
	resultAccepted   = "accepted"
	resultInvalid    = "invalid"
	resultStoreError = "store_error"
)

// TransportMetadata describes where a payload came from.
type TransportMetadata struct {
	Transport string
	// TopicDeviceID is the device id embedded in a bus topic, if any.
	// When set it must match the payload.
	TopicDeviceID string
	SourceAddress string
}

// Deriver computes derived metrics for a reading.
type Deriver interface {
	Derive(r telemetry.Reading) (*telemetry.DerivedMetric, error)
}

// Publisher receives accepted events.
type Publisher interface {
	Publish(e telemetry.Event) uint64
}

// Config holds configuration for the Gateway.
type Config struct {
	Store           store.Store
	Deriver         Deriver
	Publisher       Publisher
	Cache           store.RecentReadings // Optional
	Logger          *slog.Logger
	Metrics         *metrics.IngestMetrics // Optional
	Now             func() time.Time       // Optional, defaults to time.Now
	TimestampPolicy TimestampPolicy
	MaxPayloadBytes int
}

// Gateway is the single entry point for device data.
type Gateway struct {
	store      store.Store
	deriver    Deriver
	publisher  Publisher
	cache      store.RecentReadings
	logger     *slog.Logger
	metrics    *metrics.IngestMetrics
	schemas    *schemas
	clock      *clock
	locks      *stripedLock
	policy     TimestampPolicy
	maxPayload int
	lastIngest atomic.Int64
}

// New creates a Gateway.
func New(cfg *Config) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Deriver == nil {
		return nil, errors.New("deriver cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}

	return &Gateway{
		store:      cfg.Store,
		deriver:    cfg.Deriver,
		publisher:  cfg.Publisher,
		cache:      cfg.Cache,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		schemas:    s,
		clock:      newClock(cfg.Now),
		locks:      newStripedLock(),
		policy:     cfg.TimestampPolicy,
		maxPayload: maxPayload,
	}, nil
}

// Submit ingests one sensor reading. On success the reading is durable and has
// been published to live subscribers. A *telemetry.ValidationError means nothing
// was written; a *telemetry.StoreError means nothing was written or published
// and the caller may retry.
func (g *Gateway) Submit(ctx context.Context, raw []byte, meta TransportMetadata) (telemetry.ReadingID, error) {
	start := time.Now()

	r, err := g.decodeReading(raw, meta)
	if err != nil {
		g.observe(meta, telemetry.TopicSensorData, resultInvalid, start)
		g.logger.Debug("rejected reading", "transport", meta.Transport, "error", err)
		return 0, err
	}

	unlock, err := g.locks.lock(ctx, r.DeviceID)
	if err != nil {
		g.observe(meta, telemetry.TopicSensorData, resultStoreError, start)
		return 0, telemetry.NewStoreError("append", 0, err)
	}
	defer unlock()

	r.ReceivedAt = g.clock.Now()

	derived, derr := g.deriver.Derive(r)
	if derr != nil {
		g.logger.Warn("derivation failed, storing reading without derived metric",
			"device_id", r.DeviceID,
			"error", derr)
		if g.metrics != nil {
			g.metrics.DerivationFailures.Inc()
		}
		derived = nil
	}

	id, err := g.store.Append(ctx, r, derived)
	if err != nil {
		g.observe(meta, telemetry.TopicSensorData, resultStoreError, start)
		return 0, asStoreError("append", err)
	}
	r.ID = id
	if derived != nil {
		derived.ReadingID = id
	}

	g.touch(ctx, telemetry.DeviceStatus{
		DeviceID:      r.DeviceID,
		Status:        telemetry.StatusOnline,
		LastSeen:      r.ReceivedAt,
		SourceAddress: meta.SourceAddress,
		Source:        telemetry.SourceReading,
	})

	g.publisher.Publish(telemetry.SensorEvent(r, derived))

	if g.cache != nil {
		if err := g.cache.Push(ctx, r); err != nil {
			g.logger.Warn("failed to cache reading", "device_id", r.DeviceID, "error", err)
			if g.metrics != nil {
				g.metrics.CacheErrors.Inc()
			}
		}
	}

	g.lastIngest.Store(r.ReceivedAt.UnixNano())
	g.observe(meta, telemetry.TopicSensorData, resultAccepted, start)

	g.logger.Debug("reading accepted",
		"device_id", r.DeviceID,
		"reading_id", id,
		"transport", meta.Transport,
		"derived", derived != nil)

	return id, nil
}

// SubmitStatus ingests a device-reported status message.
func (g *Gateway) SubmitStatus(ctx context.Context, raw []byte, meta TransportMetadata) error {
	start := time.Now()

	p, err := g.decodeStatus(g.schemas.status, raw, meta)
	if err != nil {
		g.observe(meta, telemetry.TopicDeviceStatus, resultInvalid, start)
		return err
	}

	err = g.applyStatus(ctx, telemetry.DeviceStatus{
		DeviceID:      p.DeviceID,
		Status:        telemetry.ParseStatus(p.Status),
		SourceAddress: orDefault(p.IPAddress, meta.SourceAddress),
		Source:        telemetry.SourceReported,
	})
	g.observeStatusResult(meta, telemetry.TopicDeviceStatus, err, start)
	return err
}

// SubmitHeartbeat ingests a heartbeat. A heartbeat always marks the device online.
func (g *Gateway) SubmitHeartbeat(ctx context.Context, raw []byte, meta TransportMetadata) error {
	start := time.Now()

	p, err := g.decodeStatus(g.schemas.heartbeat, raw, meta)
	if err != nil {
		g.observe(meta, telemetry.TopicHeartbeat, resultInvalid, start)
		return err
	}

	err = g.applyStatus(ctx, telemetry.DeviceStatus{
		DeviceID:      p.DeviceID,
		Status:        telemetry.StatusOnline,
		SourceAddress: orDefault(p.IPAddress, meta.SourceAddress),
		Source:        telemetry.SourceHeartbeat,
	})
	g.observeStatusResult(meta, telemetry.TopicHeartbeat, err, start)
	return err
}

// PublishStatus broadcasts a status change decided outside the gateway,
// such as the offline sweep.
func (g *Gateway) PublishStatus(s telemetry.DeviceStatus) {
	unlock, _ := g.locks.lock(context.Background(), s.DeviceID)
	defer unlock()
	g.publisher.Publish(telemetry.StatusEvent(s))
}

// LastIngestAt returns when the last reading was accepted, or the zero time.
func (g *Gateway) LastIngestAt() time.Time {
	n := g.lastIngest.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// applyStatus stores s and publishes it when it is the newest record.
func (g *Gateway) applyStatus(ctx context.Context, s telemetry.DeviceStatus) error {
	unlock, err := g.locks.lock(ctx, s.DeviceID)
	if err != nil {
		return telemetry.NewStoreError("upsert_status", 0, err)
	}
	defer unlock()

	s.LastSeen = g.clock.Now()

	applied, err := g.store.UpsertDeviceStatus(ctx, s)
	if err != nil {
		return asStoreError("upsert_status", err)
	}
	if !applied {
		g.logger.Debug("stale status update ignored", "device_id", s.DeviceID, "source", s.Source)
		return nil
	}

	g.publisher.Publish(telemetry.StatusEvent(s))
	return nil
}

// touch records that a device was seen. Failures are logged only: the reading
// that triggered it is already durable.
func (g *Gateway) touch(ctx context.Context, s telemetry.DeviceStatus) {
	if _, err := g.store.UpsertDeviceStatus(ctx, s); err != nil {
		g.logger.Warn("failed to update device status",
			"device_id", s.DeviceID,
			"error", err)
	}
}

func (g *Gateway) decodeReading(raw []byte, meta TransportMetadata) (telemetry.Reading, error) {
	if err := g.checkSize(raw); err != nil {
		return telemetry.Reading{}, err
	}
	if err := validate(g.schemas.reading, raw); err != nil {
		return telemetry.Reading{}, err
	}

	var p readingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return telemetry.Reading{}, telemetry.NewValidationError("payload", err.Error())
	}

	deviceID, err := g.checkDevice(p.DeviceID, meta)
	if err != nil {
		return telemetry.Reading{}, err
	}

	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return telemetry.Reading{}, err
	}
	if err := g.policy.check(ts, g.clock.now()); err != nil {
		return telemetry.Reading{}, err
	}

	return telemetry.Reading{
		DeviceID:         deviceID,
		Timestamp:        ts,
		Temperature:      p.Temperature,
		Humidity:         p.Humidity,
		Pressure:         p.Pressure,
		PM25:             p.PM25,
		PM10:             p.PM10,
		CO2:              firstOf(p.CO2, p.CO2Level),
		AirQuality:       p.AirQuality,
		LightLevel:       p.LightLevel,
		PowerConsumption: p.PowerConsumption,
		WiFiRSSI:         firstOf(p.WiFiRSSI, p.WiFiSignal),
		Location:         orDefault(p.Location, telemetry.DefaultLocation),
		NodeType:         orDefault(p.NodeType, telemetry.DefaultNodeType),
	}, nil
}

func (g *Gateway) decodeStatus(schema *gojsonschema.Schema, raw []byte, meta TransportMetadata) (statusPayload, error) {
	if err := g.checkSize(raw); err != nil {
		return statusPayload{}, err
	}
	if err := validate(schema, raw); err != nil {
		return statusPayload{}, err
	}

	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return statusPayload{}, telemetry.NewValidationError("payload", err.Error())
	}

	deviceID, err := g.checkDevice(p.DeviceID, meta)
	if err != nil {
		return statusPayload{}, err
	}
	p.DeviceID = deviceID
	return p, nil
}

func (g *Gateway) checkSize(raw []byte) error {
	if len(raw) == 0 {
		return telemetry.NewValidationError("payload", "is empty")
	}
	if len(raw) > g.maxPayload {
		return telemetry.NewValidationError("payload", "exceeds maximum size")
	}
	return nil
}

func (g *Gateway) checkDevice(id string, meta TransportMetadata) (string, error) {
	deviceID, err := normaliseDeviceID(id)
	if err != nil {
		return "", err
	}
	if meta.TopicDeviceID != "" && meta.TopicDeviceID != deviceID {
		return "", telemetry.NewValidationError("device_id", "does not match topic")
	}
	return deviceID, nil
}

func (g *Gateway) observeStatusResult(meta TransportMetadata, kind telemetry.TopicKind, err error, start time.Time) {
	switch {
	case err == nil:
		g.observe(meta, kind, resultAccepted, start)
	case telemetry.IsStore(err):
		g.observe(meta, kind, resultStoreError, start)
	default:
		g.observe(meta, kind, resultInvalid, start)
	}
}

func (g *Gateway) observe(meta TransportMetadata, kind telemetry.TopicKind, result string, start time.Time) {
	if g.metrics == nil {
		return
	}
	transport := meta.Transport
	if transport == "" {
		transport = "unknown"
	}
	g.metrics.Submissions.WithLabelValues(transport, kind.String(), result).Inc()
	g.metrics.SubmitDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}

func asStoreError(op string, err error) error {
	if telemetry.IsStore(err) {
		return err
	}
	return telemetry.NewStoreError(op, 1, err)
}
