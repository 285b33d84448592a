package mq

import (
	"context"
)

// ClientInterface defines the interface for message bus operations.
// Topics are given in the canonical slash-separated form
// (ecoatlas/sensors/{id}/data) with MQTT wildcards (+, #); each driver
// converts them to its own routing syntax.
type ClientInterface interface {
	// Publish sends data on topic and waits until the broker has accepted it.
	// The context is used for cancellation and timeout.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe starts delivering messages matching any of the patterns on the
	// returned channel. Subscriptions survive reconnects. The channel is closed
	// by Close.
	Subscribe(patterns ...string) (<-chan Delivery, error)

	// IsConnected reports whether the client currently has a live connection.
	IsConnected() bool

	// Close will cleanly shut down the client.
	Close() error
}

// Delivery is one message received from the bus.
// It is required to call Ack when it has been processed, or Nack when it fails.
type Delivery struct {
	ack         func() error
	nack        func(requeue bool) error
	Topic       string
	Body        []byte
	Redelivered bool
}

// NewDelivery builds a Delivery with the given acknowledgement callbacks.
// Nil callbacks are treated as no-ops.
func NewDelivery(topic string, body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Topic: topic, Body: body, ack: ack, nack: nack}
}

// Ack acknowledges successful processing.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the message, asking for redelivery when requeue is true.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Ensure the clients implement ClientInterface.
var (
	_ ClientInterface = (*Client)(nil)
	_ ClientInterface = (*NATSClient)(nil)
)
