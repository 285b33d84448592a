// Package mq provides message bus clients with automatic reconnection:
// a RabbitMQ topic-exchange client and a NATS client.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	// DefaultExchange is the topic exchange devices publish to.
	DefaultExchange = "ecoatlas"

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Reconnect delays grow from reconnectInitial up to reconnectMax and never give up.
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second

	// Initial backoff delay for Publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Publish retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	driverAMQP = "amqp"
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNoQueue            = errors.New("subscribing requires a queue name")
	errNack               = errors.New("publish not acknowledged by broker")
)

// Config holds configuration for the RabbitMQ client.
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.BusMetrics // Optional
	URL      string
	Exchange string
	// Queue is the durable queue bound to subscribed patterns. Publish-only clients may leave it empty.
	Queue    string
	Prefetch int
}

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	deliveries      chan Delivery
	forwarders      sync.WaitGroup
	patterns        []string
	exchange        string
	queueName       string
	prefetch        int
	isReady         bool
	consuming       bool
	closed          bool
	metrics         *metrics.BusMetrics
}

// New creates a new client and automatically attempts to connect to the server
// in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("url cannot be empty")
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}

	l := cfg.Logger.With("driver", driverAMQP, "exchange", exchange)
	client := &Client{
		m:          &sync.Mutex{},
		infolog:    l,
		errlog:     l,
		exchange:   exchange,
		queueName:  cfg.Queue,
		prefetch:   prefetch,
		done:       make(chan struct{}),
		deliveries: make(chan Delivery),
		metrics:    cfg.Metrics,
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = reconnectInitial
	delay.MaxInterval = reconnectMax
	delay.MaxElapsedTime = 0 // never give up

	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.infolog.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			wait := delay.NextBackOff()
			client.errlog.Error("failed to connect. Retrying...", "error", err, "backoff", wait)

			select {
			case <-client.done:
				return
			case <-time.After(wait):
			}
			continue
		}
		delay.Reset()

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	if !client.changeConnection(conn) {
		_ = conn.Close()
		return nil, errShutdown
	}
	client.infolog.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			if client.metrics != nil {
				client.metrics.ConnectionStatus.Set(0)
			}
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init will initialize the channel, declare the exchange and, when a queue is
// configured, re-create the queue bindings of every subscribed pattern.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	err = ch.ExchangeDeclare(
		client.exchange,
		amqp.ExchangeTopic,
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return err
	}

	if client.queueName != "" {
		_, err = ch.QueueDeclare(
			client.queueName,
			true,  // Durable
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,   // Arguments
		)
		if err != nil {
			return err
		}
	}

	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		_ = ch.Close()
		return errShutdown
	}

	client.changeChannel(ch)
	client.consuming = false
	if len(client.patterns) > 0 {
		if err := client.consume(client.patterns); err != nil {
			return err
		}
	}

	client.isReady = true
	client.infolog.Info("client init done", "patterns", len(client.patterns))

	return nil
}

// changeConnection takes a new connection and updates the close listener to
// reflect this. It reports false when the client was closed meanwhile.
func (client *Client) changeConnection(connection *amqp.Connection) bool {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return false
	}
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
	return true
}

// changeChannel takes a new channel and updates the channel listeners to
// reflect this. Must be called with client.m held.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.channel.NotifyClose(client.notifyChanClose)
}

// Publish will publish data on topic and wait for the broker's confirmation.
// Uses exponential backoff retry when the client is not connected or the
// broker nacks, allowing time for automatic reconnection to succeed.
// After maxRetryAttempts (5) retries, returns a *telemetry.TransportError.
func (client *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PublishDuration.WithLabelValues(driverAMQP))
		defer timer.ObserveDuration()
	}

	// retryCtx also ends when the client shuts down
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-client.done:
			cancel()
		case <-retryCtx.Done():
		}
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.MaxInterval = maxBackoff
	policy.Multiplier = backoffMultiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	retries := 0
	err := backoff.RetryNotify(
		func() error {
			err := client.UnsafePublish(retryCtx, topic, data)
			if err != nil && retryCtx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, maxRetryAttempts), retryCtx),
		func(err error, wait time.Duration) {
			retries++
			client.infolog.Info("publish failed, retrying with backoff",
				"error", err,
				"backoff", wait,
				"retry_count", retries)
		},
	)

	switch {
	case err == nil:
		if client.metrics != nil {
			client.metrics.MessagesPublished.WithLabelValues(driverAMQP).Inc()
		}
		if retries > 0 {
			client.infolog.Info("publish confirmed after retries", "topic", topic, "retry_count", retries)
		}
		return nil
	case ctx.Err() != nil:
		client.publishFailed("context_canceled")
		return ctx.Err()
	case retryCtx.Err() != nil:
		return telemetry.NewTransportError(driverAMQP, "publish", errShutdown)
	default:
		client.errlog.Error("maximum retry attempts exceeded",
			"topic", topic,
			"retry_count", retries,
			"max_attempts", maxRetryAttempts,
			"error", err)
		client.publishFailed("max_retries_exceeded")
		return telemetry.NewTransportError(driverAMQP, "publish", errMaxRetriesExceeded)
	}
}

// UnsafePublish publishes once and waits for the broker confirmation without retrying.
func (client *Client) UnsafePublish(ctx context.Context, topic string, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		client.exchange,   // Exchange
		RoutingKey(topic), // Routing key
		false,             // Mandatory
		false,             // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNack
	}
	return nil
}

// Subscribe binds the client's queue to patterns and returns the delivery
// channel. The bindings are restored after every reconnect. Calling Subscribe
// again adds patterns and returns the same channel.
func (client *Client) Subscribe(patterns ...string) (<-chan Delivery, error) {
	if client.queueName == "" {
		return nil, errNoQueue
	}

	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return nil, errShutdown
	}

	client.patterns = append(client.patterns, patterns...)
	if client.isReady {
		if err := client.consume(patterns); err != nil {
			return nil, err
		}
	}

	return client.deliveries, nil
}

// consume binds patterns on the current channel and starts forwarding
// deliveries once per channel. Must be called with client.m held.
func (client *Client) consume(patterns []string) error {
	for _, p := range patterns {
		if err := client.channel.QueueBind(
			client.queueName,
			RoutingKey(p),
			client.exchange,
			false, // No-wait
			nil,   // Arguments
		); err != nil {
			return err
		}
	}

	if client.consuming {
		return nil
	}

	if err := client.channel.Qos(
		client.prefetch, // prefetchCount
		0,               // prefetchSize
		false,           // global
	); err != nil {
		return err
	}

	msgs, err := client.channel.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return err
	}

	client.consuming = true
	client.forwarders.Add(1)
	go client.forward(msgs)
	return nil
}

// forward copies broker deliveries onto the long-lived delivery channel until
// the underlying AMQP channel closes.
func (client *Client) forward(msgs <-chan amqp.Delivery) {
	defer client.forwarders.Done()

	for d := range msgs {
		delivery := Delivery{
			Topic:       TopicFromRoutingKey(d.RoutingKey),
			Body:        d.Body,
			Redelivered: d.Redelivered,
			ack:         func() error { return d.Ack(false) },
			nack:        func(requeue bool) error { return d.Nack(false, requeue) },
		}

		select {
		case client.deliveries <- delivery:
		case <-client.done:
			return
		}
	}
}

// IsConnected reports whether the channel is ready.
func (client *Client) IsConnected() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// Close will cleanly shut down the channel and connection and close the delivery channel.
func (client *Client) Close() error {
	client.m.Lock()
	// we read and write isReady in several locations, so we grab the lock and hold onto
	// it until we are finished
	defer client.m.Unlock()

	if client.closed {
		return errAlreadyClosed
	}
	client.closed = true
	close(client.done)

	var errs []error
	if client.channel != nil {
		if err := client.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if client.connection != nil {
		if err := client.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	client.isReady = false
	client.forwarders.Wait()
	close(client.deliveries)

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return errors.Join(errs...)
}

func (client *Client) publishFailed(reason string) {
	if client.metrics != nil {
		client.metrics.PublishFailures.WithLabelValues(driverAMQP, reason).Inc()
	}
}
