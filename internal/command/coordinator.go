// Package command manages the digital-output (breaker) command
// lifecycle: enqueue, worker claim, and terminal result recording.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/mq"
	"go.uber.org/zap"
)

var (
	// ErrDeviceNotFound is returned when the target device does not exist
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceInactive is returned when the target device is disabled
	ErrDeviceInactive = errors.New("device is not active")
	// ErrCommandNotFound is returned when a result is reported for an unknown command
	ErrCommandNotFound = errors.New("command not found")
	// ErrInvalidCommand is returned for a command outside ON/OFF/TOGGLE
	ErrInvalidCommand = errors.New("command must be ON, OFF or TOGGLE")
	// ErrInvalidCoil is returned for a coil address outside 0..9999
	ErrInvalidCoil = errors.New("coil address out of range")
	// ErrInvalidResult is returned for a result outside SUCCESS/FAILED/TIMEOUT
	ErrInvalidResult = errors.New("result must be SUCCESS, FAILED or TIMEOUT")
)

// Store is the storage contract the coordinator needs
type Store interface {
	GetDevice(ctx context.Context, id int64) (*db.Device, error)
	GetOutputStatus(ctx context.Context, deviceID int64, coilAddress int) (*db.OutputStatus, error)
	InsertCommand(ctx context.Context, c *db.OutputCommand) (int64, error)
	FinalizeCommand(ctx context.Context, id int64, result string, errorMessage *string) (*db.OutputCommand, bool, error)
	UpsertOutputStatus(ctx context.Context, s *db.OutputStatus) error
	SetDeviceBreakerState(ctx context.Context, deviceID int64, state int) error
	InsertEvent(ctx context.Context, e *db.Event) error
	PendingCommands(ctx context.Context, limit int) ([]db.PendingCommand, error)
	ClaimCommands(ctx context.Context, workerID string, limit int, lease time.Duration) ([]db.PendingCommand, error)
}

// Publisher emits domain events; satisfied by mq.Publisher. A nil
// publisher disables event emission.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Coordinator owns the command state machine
type Coordinator struct {
	store          Store
	publisher      Publisher
	logger         *zap.Logger
	defaultRetries int
	claimLease     time.Duration
	claimBatch     int
}

// NewCoordinator creates a new command coordinator
func NewCoordinator(store Store, publisher Publisher, logger *zap.Logger, defaultRetries int, claimLease time.Duration, claimBatch int) *Coordinator {
	return &Coordinator{
		store:          store,
		publisher:      publisher,
		logger:         logger,
		defaultRetries: defaultRetries,
		claimLease:     claimLease,
		claimBatch:     claimBatch,
	}
}

// EnqueueRequest is a request to queue one breaker command
type EnqueueRequest struct {
	DeviceID    int64
	CoilAddress int
	Command     string
	RequestedBy int64
	MaxRetries  int
	Notes       string
}

// EnqueueResult is the hand-off to the external device worker
type EnqueueResult struct {
	CommandID     int64
	DeviceAddress string
	TargetState   int
}

// Enqueue validates the request, resolves the target coil state and
// persists a pending command. The returned device address is what the
// worker needs to perform the physical write; the core never talks to
// the device itself.
func (c *Coordinator) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	cmd := strings.ToUpper(req.Command)
	if cmd != db.CommandOn && cmd != db.CommandOff && cmd != db.CommandToggle {
		return nil, ErrInvalidCommand
	}
	if req.CoilAddress < 0 || req.CoilAddress > 9999 {
		return nil, ErrInvalidCoil
	}

	device, err := c.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	if !device.IsActive {
		return nil, ErrDeviceInactive
	}

	target, err := c.targetState(ctx, cmd, req.DeviceID, req.CoilAddress)
	if err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.defaultRetries
	}

	row := &db.OutputCommand{
		DeviceID:    req.DeviceID,
		CoilAddress: req.CoilAddress,
		Command:     cmd,
		TargetState: target,
		RequestedBy: req.RequestedBy,
		MaxRetries:  maxRetries,
	}
	if req.Notes != "" {
		row.Notes = &req.Notes
	}

	id, err := c.store.InsertCommand(ctx, row)
	if err != nil {
		return nil, err
	}

	c.logger.Info("breaker command enqueued",
		zap.Int64("command_id", id),
		zap.Int64("device_id", req.DeviceID),
		zap.Int("coil", req.CoilAddress),
		zap.String("command", cmd),
		zap.Int("target_state", target),
	)

	c.publish(ctx, mq.RoutingCommandPending, map[string]any{
		"command_id":   id,
		"device_id":    req.DeviceID,
		"coil_address": req.CoilAddress,
		"target_state": target,
	})

	return &EnqueueResult{
		CommandID:     id,
		DeviceAddress: device.Address,
		TargetState:   target,
	}, nil
}

// targetState maps a logical command onto the coil's boolean target.
// TOGGLE flips the last committed status; a coil that was never
// written is toggled to on.
func (c *Coordinator) targetState(ctx context.Context, cmd string, deviceID int64, coil int) (int, error) {
	switch cmd {
	case db.CommandOn:
		return 1, nil
	case db.CommandOff:
		return 0, nil
	}

	status, err := c.store.GetOutputStatus(ctx, deviceID, coil)
	if err != nil {
		return 0, err
	}
	if status == nil || status.State == 0 {
		return 1, nil
	}
	return 0, nil
}

// RecordResult sets a command's terminal result. The transition out of
// PENDING happens at most once: a duplicate or late report only
// refreshes the execution timestamp and message, and never re-applies
// the status upsert or re-logs the event. On SUCCESS the (device,
// coil) committed status is updated last-write-wins and mirrored onto
// the device row.
func (c *Coordinator) RecordResult(ctx context.Context, commandID int64, result string, errorMessage *string) error {
	result = strings.ToUpper(result)
	if result != db.ResultSuccess && result != db.ResultFailed && result != db.ResultTimeout {
		return ErrInvalidResult
	}

	cmd, applied, err := c.store.FinalizeCommand(ctx, commandID, result, errorMessage)
	if err != nil {
		return err
	}
	if cmd == nil {
		return ErrCommandNotFound
	}
	if !applied {
		c.logger.Info("duplicate result report ignored",
			zap.Int64("command_id", commandID),
			zap.String("reported", result),
			zap.String("stored", cmd.Result),
		)
		return nil
	}

	if result == db.ResultSuccess {
		status := &db.OutputStatus{
			DeviceID:     cmd.DeviceID,
			CoilAddress:  cmd.CoilAddress,
			State:        cmd.TargetState,
			UpdateSource: sourceFromNotes(cmd.Notes),
			UpdatedBy:    cmd.RequestedBy,
		}
		if err := c.store.UpsertOutputStatus(ctx, status); err != nil {
			return err
		}
		if err := c.store.SetDeviceBreakerState(ctx, cmd.DeviceID, cmd.TargetState); err != nil {
			return err
		}
	}

	level := db.SeverityInfo
	eventType := "do_control"
	if result != db.ResultSuccess {
		level = "ERROR"
		eventType = "do_control_failed"
	}
	event := &db.Event{
		DeviceID: &cmd.DeviceID,
		Level:    level,
		Type:     eventType,
		Message:  fmt.Sprintf("breaker command %s on coil %d: %s", cmd.Command, cmd.CoilAddress, result),
		Source:   sourceFromNotes(cmd.Notes),
	}
	if err := c.store.InsertEvent(ctx, event); err != nil {
		c.logger.Warn("failed to record command event", zap.Error(err), zap.Int64("command_id", commandID))
	}

	c.logger.Info("command result recorded",
		zap.Int64("command_id", commandID),
		zap.String("result", result),
	)

	c.publish(ctx, mq.RoutingCommandResult, map[string]any{
		"command_id": commandID,
		"device_id":  cmd.DeviceID,
		"result":     result,
	})
	return nil
}

func (c *Coordinator) publish(ctx context.Context, routingKey string, payload any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, routingKey, payload); err != nil {
		c.logger.Error("failed to publish command event",
			zap.Error(err),
			zap.String("routing_key", routingKey),
		)
	}
}

// Claim leases a batch of pending commands to one worker
func (c *Coordinator) Claim(ctx context.Context, workerID string) ([]db.PendingCommand, error) {
	claimed, err := c.store.ClaimCommands(ctx, workerID, c.claimBatch, c.claimLease)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		c.logger.Debug("commands claimed",
			zap.String("worker_id", workerID),
			zap.Int("count", len(claimed)),
		)
	}
	return claimed, nil
}

// Pending lists queued commands for display
func (c *Coordinator) Pending(ctx context.Context, limit int) ([]db.PendingCommand, error) {
	return c.store.PendingCommands(ctx, limit)
}

// sourceFromNotes extracts a "source=" tag from command notes,
// defaulting to admin.
func sourceFromNotes(notes *string) string {
	if notes == nil {
		return "admin"
	}
	for _, part := range strings.Split(*notes, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "source=") {
			if v := strings.TrimPrefix(part, "source="); v != "" {
				return v
			}
		}
	}
	return "admin"
}
