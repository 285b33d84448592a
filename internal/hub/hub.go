// Package hub fans accepted telemetry events out to live subscribers.
//
// Every subscriber owns a bounded queue. Publish never blocks on a subscriber:
// a subscriber whose queue is full is moved to Draining, may still read what
// was already queued, and is force-closed after the drain timeout. Events are
// delivered to each subscriber in the order the hub accepted them.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	// DefaultQueueCapacity is the per-subscriber queue size.
	DefaultQueueCapacity = 256

	// DefaultDrainTimeout bounds how long an overflowed subscriber may keep reading its backlog.
	DefaultDrainTimeout = 5 * time.Second
)

// Config holds configuration for the Hub.
type Config struct {
	Logger        *slog.Logger
	Metrics       *metrics.HubMetrics // Optional
	QueueCapacity int
	DrainTimeout  time.Duration
}

// Hub distributes events to registered subscriptions.
type Hub struct {
	mu            sync.Mutex
	subs          map[*Subscription]struct{}
	logger        *slog.Logger
	metrics       *metrics.HubMetrics
	seq           uint64
	queueCapacity int
	drainTimeout  time.Duration
	closed        bool
}

// New creates a new Hub.
func New(cfg *Config) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	return &Hub{
		subs:          make(map[*Subscription]struct{}),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		queueCapacity: capacity,
		drainTimeout:  drain,
	}, nil
}

// Register adds a new subscription that receives every event published from now on.
// Registering on a closed hub returns a subscription that is already closed.
func (h *Hub) Register() *Subscription {
	sub := newSubscription(h.queueCapacity)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.queueClosed = true
		close(sub.queue)
		sub.finish(telemetry.ErrHubClosed)
		return sub
	}

	h.subs[sub] = struct{}{}
	sub.setState(StateActive)
	h.updateGauge()

	h.logger.Debug("subscriber registered", "subscriber_id", sub.id, "active", len(h.subs))
	return sub
}

// Publish assigns the next sequence number to e and offers it to every active
// subscription without blocking. It returns the assigned sequence number, or 0
// when the hub is closed.
func (h *Hub) Publish(e telemetry.Event) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}

	h.seq++
	e.Seq = h.seq

	for sub := range h.subs {
		select {
		case sub.queue <- e:
		default:
			h.overflow(sub)
		}
	}

	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	}

	return e.Seq
}

// overflow moves sub to Draining. Must be called with h.mu held.
func (h *Hub) overflow(sub *Subscription) {
	delete(h.subs, sub)
	sub.setErr(telemetry.ErrSubscriberOverflow)
	sub.setState(StateDraining)
	sub.queueClosed = true
	close(sub.queue)

	sub.startDrainTimer(h.drainTimeout, func() {
		if sub.finish(telemetry.ErrSubscriberOverflow) {
			h.logger.Warn("draining subscriber force-closed", "subscriber_id", sub.id, "cursor", sub.Cursor())
			if h.metrics != nil {
				h.metrics.DrainTimeouts.Inc()
			}
		}
	})

	h.updateGauge()
	if h.metrics != nil {
		h.metrics.OverflowDisconnects.Inc()
	}

	h.logger.Warn("subscriber queue overflow, draining",
		"subscriber_id", sub.id,
		"cursor", sub.Cursor(),
		"queue_capacity", h.queueCapacity)
}

// Unregister closes sub. It is safe to call more than once and on
// subscriptions that were already closed by the hub.
func (h *Hub) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		h.updateGauge()
	}
	if !sub.queueClosed {
		sub.queueClosed = true
		close(sub.queue)
	}
	h.mu.Unlock()

	if sub.finish(telemetry.ErrSubscriptionClosed) {
		h.logger.Debug("subscriber unregistered", "subscriber_id", sub.id)
	}
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription with ErrHubClosed and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, sub)
		sub.setErr(telemetry.ErrHubClosed)
		sub.queueClosed = true
		close(sub.queue)
	}
	h.updateGauge()
	h.mu.Unlock()

	for _, sub := range subs {
		sub.finish(telemetry.ErrHubClosed)
	}

	h.logger.Info("hub closed", "subscribers_closed", len(subs))
}

func (h *Hub) updateGauge() {
	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Set(float64(len(h.subs)))
	}
}
