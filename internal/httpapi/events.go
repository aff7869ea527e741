package httpapi

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// ListEvents shows the newest operational events, optionally filtered
// by account.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var accountID *int64
	if v := r.URL.Query().Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid account_id")
			return
		}
		accountID = &id
	}

	events, err := s.store.RecentEvents(r.Context(), accountID, limit)
	if err != nil {
		s.logger.Error("events lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	views := make([]map[string]any, 0, len(events))
	for _, e := range events {
		views = append(views, map[string]any{
			"event_id":   e.ID,
			"account_id": e.AccountID,
			"device_id":  e.DeviceID,
			"level":      e.Level,
			"type":       e.Type,
			"message":    e.Message,
			"source":     e.Source,
			"ts":         e.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(views),
		"events": views,
	})
}
