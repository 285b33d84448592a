package simulator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"procodus.dev/ecoatlas/pkg/mq"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// Sender delivers a simulated payload for a device.
type Sender interface {
	Send(ctx context.Context, kind telemetry.TopicKind, deviceID string, payload []byte) error
	// Supports reports whether the sender can deliver messages of kind.
	Supports(kind telemetry.TopicKind) bool
	Close() error
}

// BusSender publishes to the device topics on the message bus, the way real nodes do.
type BusSender struct {
	client mq.ClientInterface
}

// NewBusSender wraps a bus client.
func NewBusSender(client mq.ClientInterface) *BusSender {
	return &BusSender{client: client}
}

// Send implements Sender.
func (s *BusSender) Send(ctx context.Context, kind telemetry.TopicKind, deviceID string, payload []byte) error {
	var topic string
	switch kind {
	case telemetry.TopicSensorData:
		topic = telemetry.SensorDataTopic(deviceID)
	case telemetry.TopicHeartbeat:
		topic = telemetry.HeartbeatTopic(deviceID)
	case telemetry.TopicDeviceStatus:
		topic = telemetry.StatusTopic(deviceID)
	default:
		return fmt.Errorf("unsupported message kind %s", kind)
	}
	return s.client.Publish(ctx, topic, payload)
}

// Supports implements Sender.
func (s *BusSender) Supports(kind telemetry.TopicKind) bool {
	return kind == telemetry.TopicSensorData || kind == telemetry.TopicHeartbeat || kind == telemetry.TopicDeviceStatus
}

// Close closes the bus client.
func (s *BusSender) Close() error {
	return s.client.Close()
}

// HTTPSender posts readings to the API. The API has no heartbeat endpoint, so
// only sensor data is sent.
type HTTPSender struct {
	client  *http.Client
	baseURL string
}

// NewHTTPSender creates a sender posting to baseURL/api/sensor-data.
func NewHTTPSender(client *http.Client, baseURL string) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, kind telemetry.TopicKind, _ string, payload []byte) error {
	if kind != telemetry.TopicSensorData {
		return fmt.Errorf("unsupported message kind %s", kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/sensor-data", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post reading: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Supports implements Sender.
func (s *HTTPSender) Supports(kind telemetry.TopicKind) bool {
	return kind == telemetry.TopicSensorData
}

// Close implements Sender.
func (s *HTTPSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
