package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/command"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"go.uber.org/zap"
)

type enqueueCommandReq struct {
	CoilAddress int    `json:"coil_address"`
	Command     string `json:"command"`
	RequestedBy int64  `json:"requested_by"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// EnqueueCommand queues a breaker command for a device
func (s *Server) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, err := strconv.ParseInt(chi.URLParam(r, "deviceID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req enqueueCommandReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	result, err := s.commands.Enqueue(r.Context(), command.EnqueueRequest{
		DeviceID:    deviceID,
		CoilAddress: req.CoilAddress,
		Command:     req.Command,
		RequestedBy: req.RequestedBy,
		MaxRetries:  req.MaxRetries,
		Notes:       req.Notes,
	})
	if err != nil {
		switch {
		case errors.Is(err, command.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, command.ErrDeviceInactive),
			errors.Is(err, command.ErrInvalidCommand),
			errors.Is(err, command.ErrInvalidCoil):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("enqueue failed", zap.Error(err), zap.Int64("device_id", deviceID))
			writeError(w, http.StatusInternalServerError, "failed to enqueue command")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"command_id":     result.CommandID,
		"device_address": result.DeviceAddress,
		"target_state":   result.TargetState,
	})
}

type commandResultReq struct {
	Result       string  `json:"result"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// RecordCommandResult records the worker's execution outcome
func (s *Server) RecordCommandResult(w http.ResponseWriter, r *http.Request) {
	commandID, err := strconv.ParseInt(chi.URLParam(r, "commandID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	var req commandResultReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	err = s.commands.RecordResult(r.Context(), commandID, req.Result, req.ErrorMessage)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrCommandNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, command.ErrInvalidResult):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("record result failed", zap.Error(err), zap.Int64("command_id", commandID))
			writeError(w, http.StatusInternalServerError, "failed to record result")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

type claimReq struct {
	WorkerID string `json:"worker_id"`
}

// ClaimCommands leases a batch of pending commands to a worker
func (s *Server) ClaimCommands(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	claimed, err := s.commands.Claim(r.Context(), req.WorkerID)
	if err != nil {
		s.logger.Error("claim failed", zap.Error(err), zap.String("worker_id", req.WorkerID))
		writeError(w, http.StatusInternalServerError, "failed to claim commands")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(claimed),
		"commands": pendingCommandViews(claimed),
	})
}

// ListPendingCommands shows queued commands awaiting execution
func (s *Server) ListPendingCommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	pending, err := s.commands.Pending(r.Context(), limit)
	if err != nil {
		s.logger.Error("pending list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pending commands")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(pending),
		"commands": pendingCommandViews(pending),
	})
}

// GetCommand shows one command's full lifecycle state
func (s *Server) GetCommand(w http.ResponseWriter, r *http.Request) {
	commandID, err := strconv.ParseInt(chi.URLParam(r, "commandID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	cmd, err := s.store.GetCommand(r.Context(), commandID)
	if err != nil {
		s.logger.Error("command lookup failed", zap.Error(err), zap.Int64("command_id", commandID))
		writeError(w, http.StatusInternalServerError, "failed to load command")
		return
	}
	if cmd == nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"command_id":    cmd.ID,
		"device_id":     cmd.DeviceID,
		"coil_address":  cmd.CoilAddress,
		"command":       cmd.Command,
		"target_state":  cmd.TargetState,
		"result":        cmd.Result,
		"terminal":      cmd.Terminal(),
		"error_message": cmd.ErrorMessage,
		"retry_count":   cmd.RetryCount,
		"max_retries":   cmd.MaxRetries,
		"requested_at":  cmd.RequestedAt,
		"executed_at":   cmd.ExecutedAt,
	})
}

type pendingCommandView struct {
	CommandID     int64      `json:"command_id"`
	DeviceID      int64      `json:"device_id"`
	DeviceAddress string     `json:"device_address"`
	CoilAddress   int        `json:"coil_address"`
	Command       string     `json:"command"`
	TargetState   int        `json:"target_state"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	RequestedAt   time.Time  `json:"requested_at"`
	ClaimedUntil  *time.Time `json:"claimed_until,omitempty"`
}

func pendingCommandViews(commands []db.PendingCommand) []pendingCommandView {
	views := make([]pendingCommandView, 0, len(commands))
	for _, pc := range commands {
		views = append(views, pendingCommandView{
			CommandID:     pc.Command.ID,
			DeviceID:      pc.Command.DeviceID,
			DeviceAddress: pc.DeviceAddress,
			CoilAddress:   pc.Command.CoilAddress,
			Command:       pc.Command.Command,
			TargetState:   pc.Command.TargetState,
			RetryCount:    pc.Command.RetryCount,
			MaxRetries:    pc.Command.MaxRetries,
			RequestedAt:   pc.Command.RequestedAt,
			ClaimedUntil:  pc.Command.ClaimedUntil,
		})
	}
	return views
}
