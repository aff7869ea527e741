// Package balance tracks prepaid account state, raises balance
// alerts and triggers automatic disconnection on exhaustion.
package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/voltmet/prepaid-metering-worker/internal/command"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/mq"
	"go.uber.org/zap"
)

// ErrAccountNotFound is returned when a recharge targets an unknown account
var ErrAccountNotFound = errors.New("account not found")

// Status is the derived state of a prepaid account
type Status string

// Account statuses, in evaluation priority order
const (
	StatusInactive   Status = "inactive"
	StatusLocked     Status = "locked"
	StatusExhausted  Status = "exhausted"
	StatusLowBalance Status = "low-balance"
	StatusActive     Status = "active"
)

// Derive computes an account's status from its current allocation and
// usage. Priority: inactive, locked, exhausted, low-balance, active.
// An account with zero allocation never reports exhausted or
// low-balance; a freshly provisioned account is simply active.
func Derive(account *db.Account, lowRatio float64) Status {
	switch {
	case !account.IsActive:
		return StatusInactive
	case account.IsLocked:
		return StatusLocked
	case account.AllocatedKWh > 0 && account.Remaining() <= 0:
		return StatusExhausted
	case account.AllocatedKWh > 0 && account.Remaining() <= lowRatio*account.AllocatedKWh:
		return StatusLowBalance
	default:
		return StatusActive
	}
}

// Store is the storage contract the state machine needs
type Store interface {
	OpenAlert(ctx context.Context, a *db.Alert) (bool, error)
	ResolveAlert(ctx context.Context, accountID int64, alertType string) (bool, error)
	SetAccountLocked(ctx context.Context, accountID int64, locked bool) error
	ControllableDevices(ctx context.Context, accountID int64) ([]db.Device, error)
	RechargeAccount(ctx context.Context, accountID int64, addKWh float64) (*db.Account, error)
	InsertEvent(ctx context.Context, e *db.Event) error
}

// Enqueuer queues breaker commands; satisfied by command.Coordinator
type Enqueuer interface {
	Enqueue(ctx context.Context, req command.EnqueueRequest) (*command.EnqueueResult, error)
}

// Publisher emits domain events; satisfied by mq.Publisher. A nil
// publisher disables event emission.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Machine evaluates account balance transitions
type Machine struct {
	store       Store
	commands    Enqueuer
	publisher   Publisher
	lowRatio    float64
	systemActor int64
	logger      *zap.Logger
}

// NewMachine creates a new balance state machine
func NewMachine(store Store, commands Enqueuer, publisher Publisher, lowRatio float64, systemActor int64, logger *zap.Logger) *Machine {
	return &Machine{
		store:       store,
		commands:    commands,
		publisher:   publisher,
		lowRatio:    lowRatio,
		systemActor: systemActor,
		logger:      logger,
	}
}

// Evaluate derives the account's status and applies the transition
// side effects. Entering exhausted opens a CRITICAL alert, locks the
// account and fires auto-disconnect. The lock is applied on every
// exhausted evaluation so an evaluation that failed between the alert
// insert and the lock converges on re-run; the alert insert guards
// only the one-shot effects (event, auto-disconnect). The machine
// never closes alerts itself; only recharge does.
func (m *Machine) Evaluate(ctx context.Context, account *db.Account) (Status, error) {
	status := Derive(account, m.lowRatio)

	switch status {
	case StatusExhausted:
		opened, err := m.store.OpenAlert(ctx, &db.Alert{
			AccountID: account.ID,
			Type:      db.AlertExhausted,
			Severity:  db.SeverityCritical,
			Message: fmt.Sprintf("prepaid allocation exhausted: used %.2f of %.2f kWh",
				account.UsedKWh, account.AllocatedKWh),
		})
		if err != nil {
			return status, err
		}
		if err := m.store.SetAccountLocked(ctx, account.ID, true); err != nil {
			return status, err
		}
		if !opened {
			return status, nil
		}

		m.publishAlert(ctx, account.ID, db.AlertExhausted, db.SeverityCritical)
		if err := m.autoDisconnect(ctx, account); err != nil {
			return status, err
		}

	case StatusLowBalance:
		opened, err := m.store.OpenAlert(ctx, &db.Alert{
			AccountID: account.ID,
			Type:      db.AlertLowBalance,
			Severity:  db.SeverityWarning,
			Message: fmt.Sprintf("prepaid balance low: %.2f of %.2f kWh remaining",
				account.Remaining(), account.AllocatedKWh),
		})
		if err != nil {
			return status, err
		}
		if opened {
			m.logger.Info("low balance alert raised",
				zap.Int64("account_id", account.ID),
				zap.Float64("remaining_kwh", account.Remaining()),
			)
			m.publishAlert(ctx, account.ID, db.AlertLowBalance, db.SeverityWarning)
		}
	}

	return status, nil
}

func (m *Machine) publishAlert(ctx context.Context, accountID int64, alertType, severity string) {
	if m.publisher == nil {
		return
	}
	payload := map[string]any{
		"account_id": accountID,
		"type":       alertType,
		"severity":   severity,
	}
	if err := m.publisher.Publish(ctx, mq.RoutingAlertRaised, payload); err != nil {
		m.logger.Error("failed to publish alert event",
			zap.Error(err),
			zap.Int64("account_id", accountID),
			zap.String("type", alertType),
		)
	}
}

// autoDisconnect queues one OFF command per controllable device owned
// by the exhausted account, attributed to the system actor.
func (m *Machine) autoDisconnect(ctx context.Context, account *db.Account) error {
	devices, err := m.store.ControllableDevices(ctx, account.ID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		m.logger.Info("no controllable devices for exhausted account, skipping disconnect",
			zap.Int64("account_id", account.ID),
		)
		return nil
	}

	for _, device := range devices {
		_, err := m.commands.Enqueue(ctx, command.EnqueueRequest{
			DeviceID:    device.ID,
			CoilAddress: *device.BreakerCoilAddress,
			Command:     db.CommandOff,
			RequestedBy: m.systemActor,
			Notes:       "source=auto_exhausted",
		})
		if err != nil {
			// Keep going: one stale device must not block disconnecting
			// the rest of the account's meters.
			m.logger.Error("failed to enqueue auto-disconnect",
				zap.Error(err),
				zap.Int64("account_id", account.ID),
				zap.Int64("device_id", device.ID),
			)
			continue
		}
		m.logger.Info("auto-disconnect enqueued",
			zap.Int64("account_id", account.ID),
			zap.Int64("device_id", device.ID),
			zap.Int("coil", *device.BreakerCoilAddress),
		)
	}
	return nil
}

// Recharge tops up an account's allocation, clears the lock flag and
// resolves the open EXHAUSTED alert. The low-balance alert is also
// closed when the top-up clears the condition.
func (m *Machine) Recharge(ctx context.Context, accountID int64, addKWh float64, approverID int64, reference string) (*db.Account, error) {
	if addKWh <= 0 {
		return nil, fmt.Errorf("recharge amount must be positive, got %f", addKWh)
	}

	account, err := m.store.RechargeAccount(ctx, accountID, addKWh)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}

	if _, err := m.store.ResolveAlert(ctx, accountID, db.AlertExhausted); err != nil {
		return nil, err
	}
	if Derive(account, m.lowRatio) != StatusLowBalance {
		if _, err := m.store.ResolveAlert(ctx, accountID, db.AlertLowBalance); err != nil {
			return nil, err
		}
	}

	meta := fmt.Sprintf(`{"add_kwh": %.2f, "approver_id": %d, "reference": %q}`, addKWh, approverID, reference)
	event := &db.Event{
		AccountID: &account.ID,
		Level:     db.SeverityInfo,
		Type:      "recharge",
		Message:   fmt.Sprintf("allocation recharged by %.2f kWh", addKWh),
		Source:    "admin",
		Metadata:  &meta,
	}
	if err := m.store.InsertEvent(ctx, event); err != nil {
		m.logger.Warn("failed to record recharge event", zap.Error(err), zap.Int64("account_id", accountID))
	}

	m.logger.Info("account recharged",
		zap.Int64("account_id", accountID),
		zap.Float64("add_kwh", addKWh),
		zap.Float64("remaining_kwh", account.Remaining()),
	)
	return account, nil
}
