package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	// DefaultRecentKey is the Redis list holding the newest readings.
	DefaultRecentKey = "ecoatlas:readings:recent"

	// DefaultRecentSize is how many readings the list retains.
	DefaultRecentSize = 100
)

// RecentReadings serves the newest readings without a database round trip.
type RecentReadings interface {
	Push(ctx context.Context, r telemetry.Reading) error
	// Recent returns up to limit readings, newest first.
	Recent(ctx context.Context, limit int) ([]telemetry.Reading, error)
}

// CacheConfig holds configuration for the Redis recent-readings cache.
type CacheConfig struct {
	Logger   *slog.Logger
	Addr     string
	Password string
	Key      string
	DB       int
	Size     int
}

// RecentCache keeps the newest readings in a capped Redis list.
type RecentCache struct {
	client *redis.Client
	logger *slog.Logger
	key    string
	size   int64
}

// NewRecentCache connects to Redis and verifies the connection.
func NewRecentCache(ctx context.Context, cfg *CacheConfig) (*RecentCache, error) {
	if cfg == nil {
		return nil, errors.New("cache config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	key := cfg.Key
	if key == "" {
		key = DefaultRecentKey
	}
	size := cfg.Size
	if size <= 0 {
		size = DefaultRecentSize
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	cfg.Logger.Info("recent-readings cache connected", "addr", cfg.Addr, "key", key, "size", size)

	return &RecentCache{
		client: client,
		logger: cfg.Logger,
		key:    key,
		size:   int64(size),
	}, nil
}

// Push prepends r and trims the list to its capacity.
func (c *RecentCache) Push(ctx context.Context, r telemetry.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, c.key, data)
	pipe.LTrim(ctx, c.key, 0, c.size-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache reading: %w", err)
	}
	return nil
}

// Recent returns up to limit cached readings, newest first.
func (c *RecentCache) Recent(ctx context.Context, limit int) ([]telemetry.Reading, error) {
	if limit <= 0 || int64(limit) > c.size {
		limit = int(c.size)
	}

	data, err := c.client.LRange(ctx, c.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached readings: %w", err)
	}

	out := make([]telemetry.Reading, 0, len(data))
	for _, d := range data {
		var r telemetry.Reading
		if err := json.Unmarshal([]byte(d), &r); err != nil {
			c.logger.Warn("skipping undecodable cached reading", "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (c *RecentCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RecentCache) Close() error {
	return c.client.Close()
}

// Ensure RecentCache implements RecentReadings.
var _ RecentReadings = (*RecentCache)(nil)
