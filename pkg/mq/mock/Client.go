// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	"procodus.dev/ecoatlas/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, topic string, data []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish with their arguments.
	PublishCalls []PublishCall

	// SubscribeFunc is called when Subscribe is invoked. If nil, returns SubscribeChannel and SubscribeError.
	SubscribeFunc func(patterns ...string) (<-chan mq.Delivery, error)
	// SubscribeChannel is returned by Subscribe if SubscribeFunc is nil.
	SubscribeChannel chan mq.Delivery
	// SubscribeError is returned by Subscribe if SubscribeFunc is nil.
	SubscribeError error
	// SubscribeCalls tracks the patterns of every Subscribe call.
	SubscribeCalls [][]string

	// Connected is returned by IsConnected.
	Connected bool

	// CloseFunc is called when Close is invoked. If nil, returns CloseError.
	CloseFunc func() error
	// CloseError is returned by Close if CloseFunc is nil.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Ctx   context.Context
	Topic string
	Data  []byte
}

// NewMockClient creates a new MockClient with default behavior (connected, no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		PublishCalls:     make([]PublishCall, 0),
		SubscribeCalls:   make([][]string, 0),
		SubscribeChannel: make(chan mq.Delivery),
		Connected:        true,
	}
}

// Publish implements ClientInterface.
func (m *MockClient) Publish(ctx context.Context, topic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = append(m.PublishCalls, PublishCall{
		Ctx:   ctx,
		Topic: topic,
		Data:  data,
	})

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, data)
	}
	return m.PublishError
}

// Subscribe implements ClientInterface.
func (m *MockClient) Subscribe(patterns ...string) (<-chan mq.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SubscribeCalls = append(m.SubscribeCalls, patterns)

	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(patterns...)
	}
	if m.SubscribeError != nil {
		return nil, m.SubscribeError
	}
	return m.SubscribeChannel, nil
}

// IsConnected implements ClientInterface.
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return m.CloseError
}

// Published returns a copy of the recorded Publish calls.
func (m *MockClient) Published() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishCall(nil), m.PublishCalls...)
}

// Reset clears all tracked calls and resets the mock to its initial state.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = make([]PublishCall, 0)
	m.SubscribeCalls = make([][]string, 0)
	m.CloseCalls = 0
}

// Acks records acknowledgements of deliveries built by Delivery.
type Acks struct {
	mu       sync.Mutex
	Acked    int
	Nacked   int
	Requeued int
}

// Delivery builds an mq.Delivery whose Ack and Nack are recorded on a.
func (a *Acks) Delivery(topic string, body []byte) mq.Delivery {
	return mq.NewDelivery(topic, body,
		func() error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.Acked++
			return nil
		},
		func(requeue bool) error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.Nacked++
			if requeue {
				a.Requeued++
			}
			return nil
		},
	)
}

// Counts returns the recorded acks, nacks and requeues.
func (a *Acks) Counts() (acked, nacked, requeued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Acked, a.Nacked, a.Requeued
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)
