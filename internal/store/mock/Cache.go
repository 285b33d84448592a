package mock

import (
	"context"
	"sync"

	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

// MockCache is an in-memory RecentReadings.
type MockCache struct {
	mu      sync.Mutex
	entries []telemetry.Reading

	// PushError is returned by Push when set.
	PushError error
	// RecentError is returned by Recent when set.
	RecentError error
	// PushCalls tracks the number of times Push was called.
	PushCalls int
	// RecentCalls tracks the number of times Recent was called.
	RecentCalls int
}

// NewMockCache creates an empty MockCache.
func NewMockCache() *MockCache {
	return &MockCache{}
}

// Push implements store.RecentReadings.
func (c *MockCache) Push(_ context.Context, r telemetry.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.PushCalls++
	if c.PushError != nil {
		return c.PushError
	}
	c.entries = append([]telemetry.Reading{r}, c.entries...)
	return nil
}

// Recent implements store.RecentReadings.
func (c *MockCache) Recent(_ context.Context, limit int) ([]telemetry.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.RecentCalls++
	if c.RecentError != nil {
		return nil, c.RecentError
	}
	if limit <= 0 || limit > len(c.entries) {
		limit = len(c.entries)
	}
	return append([]telemetry.Reading(nil), c.entries[:limit]...), nil
}

// Ensure MockCache implements store.RecentReadings.
var _ store.RecentReadings = (*MockCache)(nil)
