package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procodus.dev/ecoatlas/pkg/logger"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/mq"
)

// Delivery modes.
const (
	ModeBus  = "bus"
	ModeHTTP = "http"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Mode selects bus or http delivery
	Mode string
	// BusDriver is amqp or nats when Mode is bus
	BusDriver   string
	BusURL      string
	BusExchange string
	// APIURL is the server base URL when Mode is http
	APIURL string
	// Devices is the number of simulated nodes
	Devices int
	// Interval is the time between readings of one node
	Interval          time.Duration
	HeartbeatInterval time.Duration
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// BusMetrics is the optional Prometheus metrics collector for bus operations
	BusMetrics *metrics.BusMetrics
}

// Server owns the sender and runs a Simulator until shutdown.
type Server struct {
	logger *slog.Logger
	sender Sender
	sim    *Simulator
}

// NewServer builds the sender for cfg.Mode and a simulator on top of it.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	var sender Sender
	switch cfg.Mode {
	case ModeBus:
		client, err := newBusClient(cfg)
		if err != nil {
			return nil, err
		}
		sender = NewBusSender(client)
	case ModeHTTP:
		if cfg.APIURL == "" {
			return nil, errors.New("api url cannot be empty")
		}
		sender = NewHTTPSender(&http.Client{Timeout: 10 * time.Second}, cfg.APIURL)
	default:
		return nil, fmt.Errorf("unknown simulator mode %q", cfg.Mode)
	}

	sim, err := New(&Config{
		Logger:            cfg.Logger,
		Sender:            sender,
		Metrics:           cfg.Metrics,
		Mode:              cfg.Mode,
		Devices:           cfg.Devices,
		Interval:          cfg.Interval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		_ = sender.Close()
		return nil, err
	}

	return &Server{logger: cfg.Logger, sender: sender, sim: sim}, nil
}

func newBusClient(cfg *ServerConfig) (mq.ClientInterface, error) {
	if cfg.BusURL == "" {
		return nil, errors.New("bus url cannot be empty")
	}
	switch cfg.BusDriver {
	case "", "amqp":
		return mq.New(&mq.Config{
			Logger:   logger.Component(cfg.Logger, "amqp"),
			Metrics:  cfg.BusMetrics,
			URL:      cfg.BusURL,
			Exchange: cfg.BusExchange,
		})
	case "nats":
		return mq.NewNATS(&mq.NATSConfig{
			Logger:  logger.Component(cfg.Logger, "nats"),
			Metrics: cfg.BusMetrics,
			URL:     cfg.BusURL,
			Name:    "ecoatlas-simulator",
		})
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

// Simulator returns the underlying simulator.
func (s *Server) Simulator() *Simulator {
	return s.sim
}

// Run simulates devices until ctx is canceled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.sim.Run(ctx)

	s.logger.Info("closing sender")
	if err := s.sender.Close(); err != nil {
		return fmt.Errorf("failed to close sender: %w", err)
	}
	return nil
}
