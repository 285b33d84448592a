package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"procodus.dev/ecoatlas/internal/ingest"
	"procodus.dev/ecoatlas/internal/store"
	"procodus.dev/ecoatlas/pkg/telemetry"
)

const (
	retryAfterSeconds = "5"
	latestWindow      = time.Hour
	healthTimeout     = 2 * time.Second
)

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, a.maxPayload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	id, err := a.ingestor.Submit(r.Context(), body, ingest.TransportMetadata{
		Transport:     ingest.TransportHTTP,
		SourceAddress: clientIP(r),
	})
	if err != nil {
		a.writeIngestError(w, r, err)
		return
	}

	var ref struct {
		DeviceID  string          `json:"device_id"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	_ = json.Unmarshal(body, &ref)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Sensor data received and stored",
		"data_id":   id,
		"device_id": strings.TrimSpace(ref.DeviceID),
		"timestamp": ref.Timestamp,
	})
}

func (a *API) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *telemetry.ValidationError
	switch {
	case errors.As(err, &verr):
		if verr.Reason == "is required" && (verr.Field == "device_id" || verr.Field == "timestamp") {
			writeError(w, http.StatusBadRequest, "Missing required fields: device_id and timestamp")
			return
		}
		writeError(w, http.StatusBadRequest, verr.Error())
	case telemetry.IsStore(err), errors.Is(err, context.DeadlineExceeded):
		a.logger.Error("failed to store reading", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable")
	default:
		a.logger.Error("failed to ingest reading", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeQueryError maps a failed read to a response. Reads never return partial data.
func (a *API) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Error("query failed", "path", r.URL.Path, "error", err)
	if telemetry.IsStore(err) || errors.Is(err, context.DeadlineExceeded) {
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (a *API) handleRecent(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("handling recent readings request")

	limit, err := intParam(r, "limit", defaultLimit, 1, maxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := intParam(r, "hours", defaultHours, 1, maxHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0, 0, maxOffset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deviceID := deviceParam(r)

	readings, err := a.store.QueryRecent(r.Context(), store.RecentQuery{
		Since:    a.now().Add(-time.Duration(hours) * time.Hour),
		DeviceID: deviceID,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		a.writeQueryError(w, r, err)
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}

	device := deviceID
	if device == "" {
		device = "all"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       readings,
		"count":      len(readings),
		"offset":     offset,
		"device_id":  device,
		"time_range": timeRange(hours),
	})
}

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("handling latest readings request")

	now := a.now()
	readings, err := a.store.QueryLatestPerDevice(r.Context(), now.Add(-latestWindow))
	if err != nil {
		a.writeQueryError(w, r, err)
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      readings,
		"count":     len(readings),
		"timestamp": now.UTC(),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("handling statistics request")

	hours, err := intParam(r, "hours", defaultHours, 1, maxHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := a.now()
	stats, err := a.store.QueryAggregate(r.Context(), store.AggregateQuery{
		Since:    now.Add(-time.Duration(hours) * time.Hour),
		DeviceID: deviceParam(r),
	})
	if err != nil {
		a.writeQueryError(w, r, err)
		return
	}
	if stats == nil {
		stats = []telemetry.Aggregate{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       stats,
		"time_range": timeRange(hours),
		"timestamp":  now.UTC(),
	})
}

// handleFleetStats summarises the whole fleet over the last hour.
func (a *API) handleFleetStats(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("handling fleet statistics request")

	now := a.now()
	summary, err := a.store.QuerySummary(r.Context(), now.Add(-latestWindow))
	if err != nil {
		a.writeQueryError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       summary,
		"time_range": "1 hour",
		"timestamp":  now.UTC(),
	})
}

func (a *API) handleCarbon(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("handling carbon data request")

	limit, err := intParam(r, "limit", defaultLimit, 1, maxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := intParam(r, "hours", defaultHours, 1, maxHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	carbon, err := a.store.QueryCarbon(r.Context(), store.CarbonQuery{
		Since:    a.now().Add(-time.Duration(hours) * time.Hour),
		DeviceID: deviceParam(r),
		Limit:    limit,
	})
	if err != nil {
		a.writeQueryError(w, r, err)
		return
	}
	if carbon == nil {
		carbon = []telemetry.DerivedMetric{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    carbon,
		"count":   len(carbon),
	})
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("handling devices request")

	devices, err := a.store.ListDevices(r.Context())
	if err != nil {
		a.writeQueryError(w, r, err)
		return
	}
	if devices == nil {
		devices = []telemetry.DeviceSummary{}
	}

	now := a.now()
	for i := range devices {
		st := telemetry.DeviceStatus{
			DeviceID: devices[i].DeviceID,
			Status:   devices[i].Status,
			LastSeen: devices[i].LastSeen,
		}
		devices[i].Status = st.Effective(now, a.offlineAfter)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"devices":   devices,
		"count":     len(devices),
		"timestamp": now.UTC(),
	})
}

type controlRequest struct {
	Command string `json:"command"`
}

func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if err := telemetry.ValidateDeviceID(deviceID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid device id")
		return
	}

	var req controlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, a.maxPayload)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "Command is required")
		return
	}

	if a.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "Message bus is disabled")
		return
	}

	// devices read the bare command string from their control topic
	if err := a.bus.Publish(r.Context(), telemetry.ControlTopic(deviceID), []byte(req.Command)); err != nil {
		a.logger.Error("failed to publish control command",
			"device_id", deviceID,
			"command", req.Command,
			"error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "Failed to send command")
		return
	}

	a.logger.Info("control command sent", "device_id", deviceID, "command", req.Command)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Command %s sent to device %s", req.Command, deviceID),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	storeUp := a.store.Ping(ctx) == nil
	busEnabled := a.bus != nil
	busUp := busEnabled && a.bus.IsConnected()

	status, code := "healthy", http.StatusOK
	switch {
	case !storeUp:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case busEnabled && !busUp:
		status = "degraded"
	}

	var lastIngest *time.Time
	if t := a.ingestor.LastIngestAt(); !t.IsZero() {
		lastIngest = &t
	}

	writeJSON(w, code, map[string]any{
		"status":            status,
		"timestamp":         a.now().UTC(),
		"bus_enabled":       busEnabled,
		"bus_connected":     busUp,
		"store_connected":   storeUp,
		"websocket_clients": a.feed.Count(),
		"last_ingestion_at": lastIngest,
	})
}

func timeRange(hours int) string {
	return strconv.Itoa(hours) + " hours"
}

// clientIP returns the request's remote host, preferring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
