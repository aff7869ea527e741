package db

import (
	"time"
)

// Connectivity states for a device
const (
	ConnectivityOnline  = "online"
	ConnectivityOffline = "offline"
	ConnectivityError   = "error"
)

// Device represents a physical meter (analyzer) in the database
type Device struct {
	ID                    int64
	AccountID             int64
	SerialNumber          string
	Address               string
	BreakerCoilAddress    *int
	BreakerEnabled        bool
	AutoDisconnectEnabled bool
	LastBreakerState      *int
	Connectivity          string
	LastSeenAt            *time.Time
	IsActive              bool
	CreatedAt             time.Time
}

// Reading represents one ingested sample for a device
type Reading struct {
	ID              int64
	DeviceID        int64
	Timestamp       time.Time
	TotalEnergy     float64
	GridEnergy      *float64
	GeneratorEnergy *float64
	DeltaEnergy     float64
	PowerKW         *float64
	Voltage         *float64
	Current         *float64
	Frequency       *float64
	PowerFactor     *float64
	Quality         string
	ReceivedAt      time.Time
}

// Account holds a user's prepaid energy allocation
type Account struct {
	ID             int64
	Name           string
	AllocatedKWh   float64
	UsedKWh        float64
	IsActive       bool
	IsLocked       bool
	LastRechargeAt *time.Time
	CreatedAt      time.Time
}

// Remaining returns the signed prepaid balance. Negative values are
// preserved so over-consumption stays visible in the audit trail.
func (a *Account) Remaining() float64 {
	return a.AllocatedKWh - a.UsedKWh
}

// Tariff is a priced rate schedule with a validity window
type Tariff struct {
	ID            int64
	Name          string
	GridRate      float64
	GeneratorRate float64
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	IsActive      bool
	CreatedAt     time.Time
}

// BillingTransaction records the cost of one reading's consumption.
// At most one row exists per reading.
type BillingTransaction struct {
	ID        int64
	ReadingID int64
	AccountID int64
	DeviceID  int64
	TariffID  int64
	DeltaKWh  float64
	Cost      float64
	CreatedAt time.Time
}

// Alert types and severities
const (
	AlertLowBalance = "LOW_BALANCE"
	AlertExhausted  = "EXHAUSTED"
	AlertOffline    = "OFFLINE"

	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Alert is a notification of a balance or connectivity condition.
// At most one open alert exists per (account, type).
type Alert struct {
	ID         int64
	AccountID  int64
	DeviceID   *int64
	Type       string
	Severity   string
	Message    string
	IsOpen     bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Logical breaker commands
const (
	CommandOn     = "ON"
	CommandOff    = "OFF"
	CommandToggle = "TOGGLE"
)

// Command execution results
const (
	ResultPending = "PENDING"
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
	ResultTimeout = "TIMEOUT"
)

// OutputCommand is a request to set a device's breaker coil to a
// target state. Result transitions exactly once out of PENDING.
type OutputCommand struct {
	ID           int64
	DeviceID     int64
	CoilAddress  int
	Command      string
	TargetState  int
	RequestedBy  int64
	RetryCount   int
	MaxRetries   int
	Result       string
	ErrorMessage *string
	Notes        *string
	ClaimedBy    *string
	ClaimedUntil *time.Time
	RequestedAt  time.Time
	ExecutedAt   *time.Time
}

// Terminal reports whether the command has reached its final result.
func (c *OutputCommand) Terminal() bool {
	return c.Result != ResultPending
}

// PendingCommand is the worker-facing view of a queued command,
// carrying the device connection address alongside the command row.
type PendingCommand struct {
	Command       OutputCommand
	DeviceAddress string
}

// OutputStatus is the last committed state of one (device, coil) pair,
// updated only when a command succeeds.
type OutputStatus struct {
	DeviceID     int64
	CoilAddress  int
	State        int
	UpdateSource string
	UpdatedBy    int64
	UpdatedAt    time.Time
}

// Event is an operational log entry
type Event struct {
	ID        int64
	AccountID *int64
	DeviceID  *int64
	Level     string
	Type      string
	Message   string
	Source    string
	Metadata  *string
	Timestamp time.Time
}
