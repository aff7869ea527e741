package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/balance"
	"go.uber.org/zap"
)

type rechargeReq struct {
	AddKWh     float64 `json:"add_kwh"`
	ApproverID int64   `json:"approver_id"`
	Reference  string  `json:"reference,omitempty"`
}

// Recharge tops up an account's prepaid allocation
func (s *Server) Recharge(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var req rechargeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AddKWh <= 0 {
		writeError(w, http.StatusBadRequest, "add_kwh must be positive")
		return
	}

	account, err := s.balances.Recharge(r.Context(), accountID, req.AddKWh, req.ApproverID, req.Reference)
	if err != nil {
		if errors.Is(err, balance.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("recharge failed", zap.Error(err), zap.Int64("account_id", accountID))
		writeError(w, http.StatusInternalServerError, "failed to recharge account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":    account.ID,
		"allocated_kwh": account.AllocatedKWh,
		"used_kwh":      account.UsedKWh,
		"remaining_kwh": account.Remaining(),
		"status":        string(balance.Derive(account, s.lowRatio)),
	})
}

// GetAccountSummary shows an account's balance, status and today's
// consumption.
func (s *Server) GetAccountSummary(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	account, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		s.logger.Error("account lookup failed", zap.Error(err), zap.Int64("account_id", accountID))
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	today, err := s.store.TodayConsumption(r.Context(), accountID)
	if err != nil {
		s.logger.Error("consumption lookup failed", zap.Error(err), zap.Int64("account_id", accountID))
		writeError(w, http.StatusInternalServerError, "failed to load consumption")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":    account.ID,
		"name":          account.Name,
		"allocated_kwh": account.AllocatedKWh,
		"used_kwh":      account.UsedKWh,
		"remaining_kwh": account.Remaining(),
		"status":        string(balance.Derive(account, s.lowRatio)),
		"today_kwh":     today,
	})
}

// ListOpenAlerts shows an account's open alerts
func (s *Server) ListOpenAlerts(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	alerts, err := s.store.OpenAlertsForAccount(r.Context(), accountID)
	if err != nil {
		s.logger.Error("alerts lookup failed", zap.Error(err), zap.Int64("account_id", accountID))
		writeError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}

	views := make([]map[string]any, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, map[string]any{
			"alert_id":   a.ID,
			"type":       a.Type,
			"severity":   a.Severity,
			"message":    a.Message,
			"created_at": a.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(views),
		"alerts": views,
	})
}
