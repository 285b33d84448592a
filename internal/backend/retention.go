package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// Retention defaults.
const (
	DefaultRetentionHorizon = 720 * time.Hour
	DefaultSweepInterval    = time.Minute
	DefaultOfflineAfter     = 2 * time.Minute
)

// StatusPublisher broadcasts status changes made outside the gateway.
type StatusPublisher interface {
	PublishStatus(s telemetry.DeviceStatus)
}

// SweeperConfig holds the configuration for the Sweeper.
type SweeperConfig struct {
	Store        store.Store
	Publisher    StatusPublisher
	Logger       *slog.Logger
	Metrics      *metrics.IngestMetrics // Optional
	Now          func() time.Time       // Optional
	Interval     time.Duration
	Horizon      time.Duration
	OfflineAfter time.Duration
}

// Sweeper periodically purges expired readings and marks silent devices offline.
type Sweeper struct {
	store        store.Store
	publisher    StatusPublisher
	logger       *slog.Logger
	metrics      *metrics.IngestMetrics
	now          func() time.Time
	interval     time.Duration
	horizon      time.Duration
	offlineAfter time.Duration
}

// NewSweeper creates a Sweeper, applying defaults to unset durations.
func NewSweeper(cfg *SweeperConfig) (*Sweeper, error) {
	if cfg == nil {
		return nil, errors.New("sweeper config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	s := &Sweeper{
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		interval:     cfg.Interval,
		horizon:      cfg.Horizon,
		offlineAfter: cfg.OfflineAfter,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.horizon <= 0 {
		s.horizon = DefaultRetentionHorizon
	}
	if s.offlineAfter <= 0 {
		s.offlineAfter = DefaultOfflineAfter
	}
	return s, nil
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("starting sweeper",
		"interval", s.interval,
		"horizon", s.horizon,
		"offline_after", s.offlineAfter)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one retention and liveness pass. Both halves run even if one fails.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()

	purged, purgeErr := s.store.PurgeOlderThan(ctx, now.Add(-s.horizon))
	// the store counts purged rows itself
	if purgeErr == nil && purged > 0 {
		s.logger.Info("purged expired readings", "rows", purged)
	}

	changed, staleErr := s.store.MarkStaleOffline(ctx, now.Add(-s.offlineAfter))
	for _, st := range changed {
		s.logger.Info("device went offline", "device_id", st.DeviceID, "last_seen", st.LastSeen)
		s.publisher.PublishStatus(st)
		if s.metrics != nil {
			s.metrics.StatusUpdates.WithLabelValues(telemetry.SourceSweep, "true").Inc()
		}
	}

	return errors.Join(purgeErr, staleErr)
}
