package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

const driverNATS = "nats"

// NATSConfig holds configuration for the NATS client.
type NATSConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.BusMetrics // Optional
	URL     string
	// Queue is the queue group used by Subscribe so that several servers share the load.
	Queue string
	Name  string
}

// NATSClient is a NATS core client. NATS core has no acknowledgements, so
// Ack and Nack on its deliveries are no-ops and delivery is at most once.
type NATSClient struct {
	mu         sync.RWMutex
	closeOnce  sync.Once
	conn       *nats.Conn
	logger     *slog.Logger
	metrics    *metrics.BusMetrics
	deliveries chan Delivery
	done       chan struct{}
	subs       []*nats.Subscription
	queue      string
	closed     bool
}

// NewNATS connects to NATS. The connection is retried in the background
// forever when the server is not yet reachable.
func NewNATS(cfg *NATSConfig) (*NATSClient, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("url cannot be empty")
	}

	name := cfg.Name
	if name == "" {
		name = "ecoatlas"
	}

	client := &NATSClient{
		logger:     cfg.Logger.With("driver", driverNATS),
		metrics:    cfg.Metrics,
		deliveries: make(chan Delivery),
		done:       make(chan struct{}),
		queue:      cfg.Queue,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(reconnectDelay),
		nats.PingInterval(20*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(client.handleDisconnect),
		nats.ReconnectHandler(client.handleReconnect),
		nats.ClosedHandler(client.handleClosed),
	)
	if err != nil {
		return nil, telemetry.NewTransportError(driverNATS, "connect", err)
	}
	client.conn = conn

	if conn.IsConnected() && client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}
	return client, nil
}

// reconnectDelay doubles from reconnectInitial and is capped at reconnectMax.
func reconnectDelay(attempts int) time.Duration {
	d := reconnectInitial
	for i := 1; i < attempts && d < reconnectMax; i++ {
		d *= backoffMultiplier
	}
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}

func (c *NATSClient) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn("disconnected", "error", err)
	}
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
}

func (c *NATSClient) handleReconnect(conn *nats.Conn) {
	c.logger.Info("reconnected", "url", conn.ConnectedUrl())
	if c.metrics != nil {
		c.metrics.ReconnectAttempts.Inc()
		c.metrics.ConnectionStatus.Set(1)
	}
}

func (c *NATSClient) handleClosed(_ *nats.Conn) {
	c.logger.Info("connection closed")
}

// Publish publishes data on the subject for topic and flushes it to the server.
func (c *NATSClient) Publish(ctx context.Context, topic string, data []byte) error {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.PublishDuration.WithLabelValues(driverNATS))
		defer timer.ObserveDuration()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(Subject(topic), data); err != nil {
		c.publishFailed("publish")
		return telemetry.NewTransportError(driverNATS, "publish", err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		c.publishFailed("flush")
		return telemetry.NewTransportError(driverNATS, "flush", err)
	}

	if c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues(driverNATS).Inc()
	}
	return nil
}

// Subscribe subscribes to the subjects for patterns. The NATS client restores
// subscriptions after reconnects by itself.
func (c *NATSClient) Subscribe(patterns ...string) (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errShutdown
	}

	for _, p := range patterns {
		var (
			sub *nats.Subscription
			err error
		)
		if c.queue != "" {
			sub, err = c.conn.QueueSubscribe(Subject(p), c.queue, c.handleMsg)
		} else {
			sub, err = c.conn.Subscribe(Subject(p), c.handleMsg)
		}
		if err != nil {
			return nil, telemetry.NewTransportError(driverNATS, "subscribe", err)
		}
		c.subs = append(c.subs, sub)
		c.logger.Info("subscribed", "subject", Subject(p), "queue", c.queue)
	}

	return c.deliveries, nil
}

func (c *NATSClient) handleMsg(m *nats.Msg) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return
	}

	select {
	case c.deliveries <- Delivery{Topic: TopicFromSubject(m.Subject), Body: m.Data}:
	case <-c.done:
	}
}

// IsConnected reports whether the connection is up.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close unsubscribes, closes the connection and the delivery channel.
func (c *NATSClient) Close() error {
	first := false
	// release handlers blocked on delivery before taking the write lock
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
	})
	if !first {
		return errAlreadyClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	c.conn.Close()
	close(c.deliveries)

	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
	return errors.Join(errs...)
}

func (c *NATSClient) publishFailed(reason string) {
	if c.metrics != nil {
		c.metrics.PublishFailures.WithLabelValues(driverNATS, reason).Inc()
	}
}
