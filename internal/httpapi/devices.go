package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// GetDeviceSummary shows a device's connectivity and latest reading
func (s *Server) GetDeviceSummary(w http.ResponseWriter, r *http.Request) {
	deviceID, err := strconv.ParseInt(chi.URLParam(r, "deviceID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("device lookup failed", zap.Error(err), zap.Int64("device_id", deviceID))
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	if device == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	latest, err := s.store.LatestReading(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("reading lookup failed", zap.Error(err), zap.Int64("device_id", deviceID))
		writeError(w, http.StatusInternalServerError, "failed to load latest reading")
		return
	}

	view := map[string]any{
		"device_id":          device.ID,
		"account_id":         device.AccountID,
		"serial_number":      device.SerialNumber,
		"connectivity":       device.Connectivity,
		"last_seen_at":       device.LastSeenAt,
		"breaker_enabled":    device.BreakerEnabled,
		"last_breaker_state": device.LastBreakerState,
	}
	if latest != nil {
		view["latest_reading"] = map[string]any{
			"reading_ts": latest.Timestamp,
			"total_kwh":  latest.TotalEnergy,
			"delta_kwh":  latest.DeltaEnergy,
			"quality":    latest.Quality,
		}
	}

	writeJSON(w, http.StatusOK, view)
}
