package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"procodus.dev/ecoatlas/internal/ingest"
	"procodus.dev/ecoatlas/pkg/metrics"
	"procodus.dev/ecoatlas/pkg/mq"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// Submitter is the part of the ingestion gateway the consumer feeds.
type Submitter interface {
	Submit(ctx context.Context, raw []byte, meta ingest.TransportMetadata) (telemetry.ReadingID, error)
	SubmitStatus(ctx context.Context, raw []byte, meta ingest.TransportMetadata) error
	SubmitHeartbeat(ctx context.Context, raw []byte, meta ingest.TransportMetadata) error
}

// Consumer consumes device messages from the bus and hands them to the gateway.
type Consumer struct {
	logger    *slog.Logger
	gateway   Submitter
	bus       mq.ClientInterface
	metrics   *metrics.BusMetrics
	transport string
	cancel    context.CancelFunc
	done      chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger  *slog.Logger
	Gateway Submitter
	Bus     mq.ClientInterface
	Metrics *metrics.BusMetrics // Optional
	// Transport labels submissions from this consumer, e.g. ingest.TransportAMQP.
	Transport string
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Gateway == nil {
		return nil, errors.New("gateway cannot be nil")
	}

	if cfg.Bus == nil {
		return nil, errors.New("bus client cannot be nil")
	}

	transport := cfg.Transport
	if transport == "" {
		transport = ingest.TransportAMQP
	}

	return &Consumer{
		logger:    cfg.Logger,
		gateway:   cfg.Gateway,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		transport: transport,
		done:      make(chan struct{}),
	}, nil
}

// Start subscribes to the device topics and processes deliveries in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer", "patterns", telemetry.IngestPatterns)

	deliveries, err := c.bus.Subscribe(telemetry.IngestPatterns...)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.logger.Info("consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

// processMessages processes incoming messages from the deliveries channel.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan mq.Delivery) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery routes one delivery by topic. Invalid messages are acked and
// dropped; store failures are nacked for redelivery.
func (c *Consumer) handleDelivery(ctx context.Context, delivery mq.Delivery) {
	start := time.Now()
	kind := telemetry.TopicUnknown

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling delivery",
				"topic", delivery.Topic,
				"panic", r,
				"stack", string(debug.Stack()))
			c.fail(kind, "panic")
			c.ack(delivery)
		}
	}()

	kind, deviceID, err := telemetry.ParseTopic(delivery.Topic)
	if err != nil {
		c.logger.Warn("dropping message on unrecognised topic", "topic", delivery.Topic, "error", err)
		c.fail(kind, "topic")
		c.ack(delivery)
		return
	}

	meta := ingest.TransportMetadata{
		Transport:     c.transport,
		TopicDeviceID: deviceID,
	}

	switch kind {
	case telemetry.TopicSensorData:
		_, err = c.gateway.Submit(ctx, delivery.Body, meta)
	case telemetry.TopicDeviceStatus:
		err = c.gateway.SubmitStatus(ctx, delivery.Body, meta)
	case telemetry.TopicHeartbeat:
		err = c.gateway.SubmitHeartbeat(ctx, delivery.Body, meta)
	default:
		c.logger.Debug("ignoring message", "topic", delivery.Topic, "kind", kind.String())
		c.ack(delivery)
		return
	}

	if c.metrics != nil {
		c.metrics.ConsumeDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		if c.metrics != nil {
			c.metrics.MessagesConsumed.WithLabelValues(kind.String()).Inc()
		}
		c.ack(delivery)

	case telemetry.IsValidation(err):
		c.logger.Warn("dropping invalid message",
			"topic", delivery.Topic,
			"device_id", deviceID,
			"error", err)
		c.fail(kind, "validation")
		c.ack(delivery)

	default:
		c.logger.Error("failed to ingest message, requesting redelivery",
			"topic", delivery.Topic,
			"device_id", deviceID,
			"redelivered", delivery.Redelivered,
			"error", err)
		c.fail(kind, "store")
		if nackErr := delivery.Nack(true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
	}
}

func (c *Consumer) ack(delivery mq.Delivery) {
	if err := delivery.Ack(); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer) fail(kind telemetry.TopicKind, reason string) {
	if c.metrics != nil {
		c.metrics.ConsumptionFailures.WithLabelValues(kind.String(), reason).Inc()
	}
}

// Stop stops processing and waits for the in-flight delivery to finish.
// The bus client is owned by the caller.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if c.cancel == nil {
		return errors.New("consumer not started")
	}
	c.cancel()

	<-c.done

	c.logger.Info("consumer stopped")
	return nil
}
