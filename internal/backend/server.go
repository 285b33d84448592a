package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"procodus.dev/ecoatlas/internal/api"
	"procodus.dev/ecoatlas/internal/derive"
	"procodus.dev/ecoatlas/internal/hub"
	"procodus.dev/ecoatlas/internal/ingest"
	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/logger"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/mq"
)

// Bus drivers.
const (
	BusAMQP = "amqp"
	BusNATS = "nats"
	BusNone = "none"
)

const shutdownTimeout = 15 * time.Second

// BusConfig selects and configures the message bus.
type BusConfig struct {
	Driver   string
	URL      string
	Exchange string
	Queue    string
}

// RedisConfig configures the optional recent-readings cache. An empty Addr disables it.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	RecentSize int
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Port           int
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
}

// IngestConfig configures payload acceptance.
type IngestConfig struct {
	MaxFutureSkew           time.Duration
	AllowNegativeTimestamps bool
	MaxPayloadBytes         int
	EmissionFactor          float64
}

// HubConfig configures live fan-out.
type HubConfig struct {
	QueueCapacity int
	DrainTimeout  time.Duration
	BackfillSize  int
}

// RetentionConfig configures the sweeper.
type RetentionConfig struct {
	Horizon       time.Duration
	SweepInterval time.Duration
	OfflineAfter  time.Duration
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	Database        store.DBConfig
	StoreMaxRetries int

	Bus       BusConfig
	Redis     RedisConfig
	HTTP      HTTPConfig
	Ingest    IngestConfig
	Hub       HubConfig
	Retention RetentionConfig
}

// Server wires storage, the bus, the hub and the HTTP API into one process.
type Server struct {
	logger   *slog.Logger
	config   *ServerConfig
	db       *gorm.DB
	cache    *store.RecentCache
	bus      mq.ClientInterface
	hub      *hub.Hub
	consumer *Consumer
	http     *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

type serverMetrics struct {
	bus    *metrics.BusMetrics
	ingest *metrics.IngestMetrics
	hub    *metrics.HubMetrics
	http   *metrics.HTTPMetrics
}

// loadMetrics registers the server collectors once per process.
var loadMetrics = sync.OnceValue(func() *serverMetrics {
	return &serverMetrics{
		bus:    metrics.NewBusMetrics(metrics.DefaultNamespace),
		ingest: metrics.NewIngestMetrics(metrics.DefaultNamespace),
		hub:    metrics.NewHubMetrics(metrics.DefaultNamespace),
		http:   metrics.NewHTTPMetrics(metrics.DefaultNamespace),
	}
})

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return nil, errors.New("database dsn or host must be set")
	}

	if cfg.Database.DSN == "" && cfg.Database.Port <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.HTTP.Port <= 0 {
		return nil, errors.New("http port must be positive")
	}

	switch cfg.Bus.Driver {
	case BusAMQP, BusNATS:
		if cfg.Bus.URL == "" {
			return nil, errors.New("bus url cannot be empty")
		}
	case BusNone:
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts every component and blocks until ctx is canceled, a signal
// arrives or a component fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting ecoatlas server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := loadMetrics()

	dbCfg := s.config.Database
	dbCfg.Logger = logger.Component(s.logger, "database")
	db, err := store.NewDB(ctx, &dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	st, err := store.New(&store.Config{
		DB:         db,
		Logger:     logger.Component(s.logger, "store"),
		Metrics:    m.ingest,
		MaxRetries: s.config.StoreMaxRetries,
	})
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize store: %w", err))
	}

	var recent store.RecentReadings
	if s.config.Redis.Addr != "" {
		cache, err := store.NewRecentCache(ctx, &store.CacheConfig{
			Logger:   logger.Component(s.logger, "cache"),
			Addr:     s.config.Redis.Addr,
			Password: s.config.Redis.Password,
			DB:       s.config.Redis.DB,
			Size:     s.config.Redis.RecentSize,
		})
		if err != nil {
			s.logger.Warn("recent cache unavailable, continuing without it", "error", err)
		} else {
			s.cache = cache
			recent = cache
		}
	}

	if err := s.openBus(m.bus); err != nil {
		return s.abort(err)
	}

	h, err := hub.New(&hub.Config{
		Logger:        logger.Component(s.logger, "hub"),
		Metrics:       m.hub,
		QueueCapacity: s.config.Hub.QueueCapacity,
		DrainTimeout:  s.config.Hub.DrainTimeout,
	})
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize hub: %w", err))
	}
	s.hub = h

	gatewayCfg := &ingest.Config{
		Store:     st,
		Deriver:   derive.New(s.config.Ingest.EmissionFactor),
		Publisher: h,
		Cache:     recent,
		Logger:    logger.Component(s.logger, "gateway"),
		Metrics:   m.ingest,
		TimestampPolicy: ingest.TimestampPolicy{
			MaxFutureSkew: s.config.Ingest.MaxFutureSkew,
			AllowNegative: s.config.Ingest.AllowNegativeTimestamps,
		},
		MaxPayloadBytes: s.config.Ingest.MaxPayloadBytes,
	}
	gateway, err := ingest.New(gatewayCfg)
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize gateway: %w", err))
	}

	apiCfg := &api.Config{
		Store:           st,
		Ingestor:        gateway,
		Feed:            h,
		Cache:           recent,
		Logger:          logger.Component(s.logger, "api"),
		Metrics:         m.http,
		RequestTimeout:  s.config.HTTP.RequestTimeout,
		OfflineAfter:    s.config.Retention.OfflineAfter,
		BackfillSize:    s.config.Hub.BackfillSize,
		RateLimit:       s.config.HTTP.RateLimit,
		RateBurst:       s.config.HTTP.RateBurst,
		MaxPayloadBytes: s.config.Ingest.MaxPayloadBytes,
	}
	if s.bus != nil {
		apiCfg.Bus = s.bus
	}
	httpAPI, err := api.New(apiCfg)
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize api: %w", err))
	}

	sweeper, err := NewSweeper(&SweeperConfig{
		Store:        st,
		Publisher:    gateway,
		Logger:       logger.Component(s.logger, "sweeper"),
		Metrics:      m.ingest,
		Interval:     s.config.Retention.SweepInterval,
		Horizon:      s.config.Retention.Horizon,
		OfflineAfter: s.config.Retention.OfflineAfter,
	})
	if err != nil {
		return s.abort(fmt.Errorf("failed to initialize sweeper: %w", err))
	}

	if s.bus != nil {
		transport := ingest.TransportAMQP
		if s.config.Bus.Driver == BusNATS {
			transport = ingest.TransportNATS
		}
		consumer, err := NewConsumer(&ConsumerConfig{
			Logger:    logger.Component(s.logger, "consumer"),
			Gateway:   gateway,
			Bus:       s.bus,
			Metrics:   m.bus,
			Transport: transport,
		})
		if err != nil {
			return s.abort(fmt.Errorf("failed to initialize consumer: %w", err))
		}
		if err := consumer.Start(ctx); err != nil {
			return s.abort(fmt.Errorf("failed to start consumer: %w", err))
		}
		s.consumer = consumer
	}

	addr := fmt.Sprintf(":%d", s.config.HTTP.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           httpAPI.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting HTTP server", "address", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown requested", "cause", context.Cause(gctx))
		return s.Shutdown()
	})

	s.logger.Info("ecoatlas server started successfully", "bus", s.config.Bus.Driver)

	return g.Wait()
}

func (s *Server) openBus(bm *metrics.BusMetrics) error {
	switch s.config.Bus.Driver {
	case BusAMQP:
		client, err := mq.New(&mq.Config{
			Logger:   logger.Component(s.logger, "amqp"),
			Metrics:  bm,
			URL:      s.config.Bus.URL,
			Exchange: s.config.Bus.Exchange,
			Queue:    s.config.Bus.Queue,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize amqp client: %w", err)
		}
		s.bus = client
	case BusNATS:
		client, err := mq.NewNATS(&mq.NATSConfig{
			Logger:  logger.Component(s.logger, "nats"),
			Metrics: bm,
			URL:     s.config.Bus.URL,
			Queue:   s.config.Bus.Queue,
			Name:    "ecoatlas",
		})
		if err != nil {
			return fmt.Errorf("failed to initialize nats client: %w", err)
		}
		s.bus = client
	default:
		s.logger.Info("message bus disabled, accepting HTTP ingestion only")
	}
	return nil
}

// abort releases whatever Run opened before failing.
func (s *Server) abort(err error) error {
	if shutdownErr := s.Shutdown(); shutdownErr != nil {
		s.logger.Error("cleanup after startup failure failed", "error", shutdownErr)
	}
	return err
}

// Shutdown gracefully shuts down the server. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down ecoatlas server")

	var errs []error

	if s.http != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("http shutdown error: %w", err))
		}
		cancel()
	}

	if s.hub != nil {
		s.hub.Close()
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
	}

	if s.bus != nil {
		s.logger.Info("closing message bus client")
		if err := s.bus.Close(); err != nil {
			s.logger.Error("failed to close message bus client", "error", err)
			errs = append(errs, fmt.Errorf("bus close error: %w", err))
		}
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("failed to close cache", "error", err)
			errs = append(errs, fmt.Errorf("cache close error: %w", err))
		}
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("server shutdown completed successfully")
	return nil
}
