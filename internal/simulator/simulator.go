// Package simulator runs fleets of simulated ESP32 nodes against an EcoAtlas server.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/ecoatlas/pkg/generator"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// Config holds the configuration for a Simulator.
type Config struct {
	Logger  *slog.Logger
	Sender  Sender
	Metrics *metrics.SimulatorMetrics // Optional
	// Mode labels metrics, e.g. "bus" or "http".
	Mode              string
	Devices           int
	Interval          time.Duration
	HeartbeatInterval time.Duration // Zero disables heartbeats
	Seed              int64
}

// Simulator drives one goroutine per simulated device.
type Simulator struct {
	logger     *slog.Logger
	sender     Sender
	metrics    *metrics.SimulatorMetrics
	mode       string
	interval   time.Duration
	heartbeat  time.Duration
	generators []*generator.Generator
	wg         sync.WaitGroup
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errLoggerRequired     = errors.New("logger is required")
	errSenderRequired     = errors.New("sender is required")
)

// New creates a simulator with cfg.Devices fake devices.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Devices <= 0 {
		return nil, errInvalidDeviceCount
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Sender == nil {
		return nil, errSenderRequired
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	gens := make([]*generator.Generator, 0, cfg.Devices)
	for i := range cfg.Devices {
		device := generator.NewDevice(i)
		if device == nil {
			return nil, errors.New("failed to generate device")
		}
		gens = append(gens, generator.NewGenerator(device, seed+int64(i)))
	}

	return &Simulator{
		logger:     cfg.Logger,
		sender:     cfg.Sender,
		metrics:    cfg.Metrics,
		mode:       cfg.Mode,
		interval:   cfg.Interval,
		heartbeat:  cfg.HeartbeatInterval,
		generators: gens,
	}, nil
}

// Devices returns the simulated devices.
func (s *Simulator) Devices() []*generator.Device {
	out := make([]*generator.Device, 0, len(s.generators))
	for _, g := range s.generators {
		out = append(out, g.Device())
	}
	return out
}

// Run starts every device and blocks until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SimulatedDevices.Set(float64(len(s.generators)))
		defer s.metrics.SimulatedDevices.Set(0)
	}

	for _, g := range s.generators {
		s.wg.Add(1)
		go s.runDevice(ctx, g)
	}

	s.logger.Info("simulator started",
		"devices", len(s.generators),
		"interval", s.interval,
		"mode", s.mode)

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("simulator stopped")
}

func (s *Simulator) runDevice(ctx context.Context, g *generator.Generator) {
	defer s.wg.Done()

	deviceID := g.Device().DeviceID
	logger := s.logger.With("device_id", deviceID)
	logger.Info("device online", "location", g.Device().Location, "node_type", g.Device().NodeType)

	s.announce(ctx, g)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var heartbeats <-chan time.Time
	if s.heartbeat > 0 && s.sender.Supports(telemetry.TopicHeartbeat) {
		hb := time.NewTicker(s.heartbeat)
		defer hb.Stop()
		heartbeats = hb.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := s.send(ctx, telemetry.TopicSensorData, deviceID, g.Reading(t)); err != nil {
				logger.Error("failed to send reading", "error", err)
			}
		case t := <-heartbeats:
			if err := s.send(ctx, telemetry.TopicHeartbeat, deviceID, g.Heartbeat(t)); err != nil {
				logger.Error("failed to send heartbeat", "error", err)
			}
		}
	}
}

// announce publishes an online status when the transport supports it.
func (s *Simulator) announce(ctx context.Context, g *generator.Generator) {
	if !s.sender.Supports(telemetry.TopicDeviceStatus) {
		return
	}
	status := map[string]string{
		"device_id":  g.Device().DeviceID,
		"status":     string(telemetry.StatusOnline),
		"ip_address": g.Device().IPAddress,
	}
	if err := s.send(ctx, telemetry.TopicDeviceStatus, g.Device().DeviceID, status); err != nil {
		s.logger.Warn("failed to announce device", "device_id", g.Device().DeviceID, "error", err)
	}
}

func (s *Simulator) send(ctx context.Context, kind telemetry.TopicKind, deviceID string, v any) error {
	start := time.Now()

	payload, err := json.Marshal(v)
	if err != nil {
		s.fail(kind)
		return err
	}

	if err := s.sender.Send(ctx, kind, deviceID, payload); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.fail(kind)
		return err
	}

	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(kind.String()).Inc()
		metrics.ObserveSince(s.metrics.SendDuration.WithLabelValues(s.mode), start)
	}
	return nil
}

func (s *Simulator) fail(kind telemetry.TopicKind) {
	if s.metrics != nil {
		s.metrics.SendFailures.WithLabelValues(kind.String(), s.mode).Inc()
	}
}
