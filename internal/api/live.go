package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	backfillWindow = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleLive streams live events to a websocket client. The client receives one
// recent_data message first, then sensor_data, carbon_data and device_status
// messages in hub order.
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Register before reading the backfill so nothing accepted in between is missed.
	sub := a.feed.Register()
	defer a.feed.Unregister(sub)

	if a.metrics != nil {
		a.metrics.LiveConnections.Inc()
		defer a.metrics.LiveConnections.Dec()
	}

	logger := a.logger.With("subscriber", sub.ID(), "remote", clientIP(r))
	logger.Info("live client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backfill := a.backfill(r.Context())
	seen := make(map[telemetry.ReadingID]struct{}, len(backfill))
	for _, rd := range backfill {
		seen[rd.ID] = struct{}{}
	}
	if err := writeMessage(conn, telemetry.RecentData(backfill)); err != nil {
		logger.Debug("failed to send backfill", "error", err)
		return
	}

	go a.readPump(conn, cancel)
	go pingPump(ctx, conn)

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			a.closeLive(conn, err, logger)
			return
		}

		if e.Type == telemetry.EventSensorData && e.Reading != nil {
			if _, dup := seen[e.Reading.ID]; dup {
				delete(seen, e.Reading.ID)
				continue
			}
		}

		for _, msg := range e.Messages() {
			if err := writeMessage(conn, msg); err != nil {
				logger.Debug("live client write failed", "error", err)
				return
			}
		}
	}
}

// backfill returns the most recent readings, preferring the cache.
func (a *API) backfill(ctx context.Context) []telemetry.Reading {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	if a.cache != nil {
		readings, err := a.cache.Recent(ctx, a.backfillSize)
		if err == nil && len(readings) > 0 {
			return readings
		}
		if err != nil {
			a.logger.Warn("recent cache unavailable, falling back to store", "error", err)
		}
	}

	readings, err := a.store.QueryRecent(ctx, store.RecentQuery{
		Since: a.now().Add(-backfillWindow),
		Limit: a.backfillSize,
	})
	if err != nil {
		a.logger.Warn("failed to load backfill", "error", err)
		return nil
	}
	return readings
}

func (a *API) closeLive(conn *websocket.Conn, err error, logger *slog.Logger) {
	var code int
	var reason string
	switch {
	case errors.Is(err, telemetry.ErrSubscriberOverflow):
		code, reason = websocket.CloseTryAgainLater, "subscriber overflow"
	case errors.Is(err, telemetry.ErrHubClosed):
		code, reason = websocket.CloseGoingAway, "server shutting down"
	default:
		// Client went away.
		logger.Info("live client disconnected")
		return
	}

	logger.Info("closing live client", "reason", reason)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeDeadline))
}

// readPump discards client frames and cancels the stream when the peer goes away.
func (a *API) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func pingPump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg telemetry.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(msg)
}
