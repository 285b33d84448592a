// Package api serves the HTTP query API, the HTTP ingestion endpoint and the
// websocket live feed.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"procodus.dev/ecoatlas/internal/hub"
	"procodus.dev/ecoatlas/internal/ingest"
	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/mq"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultOfflineAfter   = 2 * time.Minute
	defaultBackfillSize   = 100
)

// Ingestor accepts readings submitted over HTTP.
type Ingestor interface {
	Submit(ctx context.Context, raw []byte, meta ingest.TransportMetadata) (telemetry.ReadingID, error)
	LastIngestAt() time.Time
}

// Feed hands out live subscriptions.
type Feed interface {
	Register() *hub.Subscription
	Unregister(sub *hub.Subscription)
	Count() int
}

// Config holds configuration for the API.
type Config struct {
	Store    store.Store
	Ingestor Ingestor
	Feed     Feed
	Cache    store.RecentReadings // Optional
	Bus      mq.ClientInterface   // Optional, nil when the bus is disabled
	Logger   *slog.Logger
	Metrics  *metrics.HTTPMetrics // Optional
	Now      func() time.Time     // Optional, defaults to time.Now

	RequestTimeout time.Duration
	OfflineAfter   time.Duration
	BackfillSize   int
	// RateLimit is the sustained requests per second allowed per client. Zero disables limiting.
	RateLimit       float64
	RateBurst       int
	MaxPayloadBytes int
}

// API holds the dependencies of the HTTP handlers.
type API struct {
	store          store.Store
	ingestor       Ingestor
	feed           Feed
	cache          store.RecentReadings
	bus            mq.ClientInterface
	logger         *slog.Logger
	metrics        *metrics.HTTPMetrics
	limiter        *clientLimiter
	now            func() time.Time
	requestTimeout time.Duration
	offlineAfter   time.Duration
	backfillSize   int
	maxPayload     int64
}

// New creates an API.
func New(cfg *Config) (*API, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	if cfg.Feed == nil {
		return nil, errors.New("feed cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	a := &API{
		store:          cfg.Store,
		ingestor:       cfg.Ingestor,
		feed:           cfg.Feed,
		cache:          cfg.Cache,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		requestTimeout: cfg.RequestTimeout,
		offlineAfter:   cfg.OfflineAfter,
		backfillSize:   cfg.BackfillSize,
		maxPayload:     int64(cfg.MaxPayloadBytes),
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.requestTimeout <= 0 {
		a.requestTimeout = defaultRequestTimeout
	}
	if a.offlineAfter <= 0 {
		a.offlineAfter = defaultOfflineAfter
	}
	if a.backfillSize <= 0 {
		a.backfillSize = defaultBackfillSize
	}
	if a.maxPayload <= 0 {
		a.maxPayload = ingest.DefaultMaxPayloadBytes
	}
	if cfg.RateLimit > 0 {
		a.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	return a, nil
}

// Router returns the HTTP handler. Every route is served both at the root and
// under /api.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.recoverPanics, a.instrument)

	a.routes(r)
	a.routes(r.PathPrefix("/api").Subrouter())

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", a.handleLive).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}

func (a *API) routes(r *mux.Router) {
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	q := r.NewRoute().Subrouter()
	q.Use(a.rateLimit, a.timeout)
	q.HandleFunc("/sensor-data", a.handleSubmit).Methods(http.MethodPost)
	q.HandleFunc("/sensor-data", a.handleRecent).Methods(http.MethodGet)
	q.HandleFunc("/sensor-data/latest", a.handleLatest).Methods(http.MethodGet)
	q.HandleFunc("/sensor-data/stats", a.handleStats).Methods(http.MethodGet)
	q.HandleFunc("/stats", a.handleFleetStats).Methods(http.MethodGet)
	q.HandleFunc("/carbon-data", a.handleCarbon).Methods(http.MethodGet)
	q.HandleFunc("/devices", a.handleDevices).Methods(http.MethodGet)
	q.HandleFunc("/devices/{deviceId}/control", a.handleControl).Methods(http.MethodPost)
}
