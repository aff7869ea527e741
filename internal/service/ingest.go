// Package service orchestrates the metering-to-billing pipeline:
// validate, compute delta, bill, re-evaluate balance, disconnect.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/voltmet/prepaid-metering-worker/internal/balance"
	"github.com/voltmet/prepaid-metering-worker/internal/billing"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/delta"
	"github.com/voltmet/prepaid-metering-worker/internal/logging"
	"github.com/voltmet/prepaid-metering-worker/internal/mq"
	"github.com/voltmet/prepaid-metering-worker/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage is the envelope the data-acquisition gateway publishes
type IngestMessage struct {
	RequestID  string                 `json:"request_id"`
	Source     string                 `json:"source"`
	ReceivedAt time.Time              `json:"received_at"`
	Readings   []validator.ReadingData `json:"readings"`
}

// IngestStore is the storage contract of the ingest pipeline
type IngestStore interface {
	GetDevice(ctx context.Context, id int64) (*db.Device, error)
	LatestReading(ctx context.Context, deviceID int64) (*db.Reading, error)
	ReadingAt(ctx context.Context, deviceID int64, ts time.Time) (*db.Reading, error)
	ReadingBefore(ctx context.Context, deviceID int64, ts time.Time) (*db.Reading, error)
	InsertReading(ctx context.Context, rd *db.Reading) (bool, error)
	TouchDeviceSeen(ctx context.Context, id int64, seenAt time.Time) error
	ResolveAlert(ctx context.Context, accountID int64, alertType string) (bool, error)
}

// Publisher emits domain events; satisfied by mq.Publisher
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// IngestOutcome reports what ingesting one sample did
type IngestOutcome struct {
	Accepted bool
	Reason   string
	Reading  *db.Reading
	Status   balance.Status
}

// IngestService runs the reading pipeline
type IngestService struct {
	store     IngestStore
	validator *validator.Validator
	billing   *billing.Applicator
	balance   *balance.Machine
	publisher Publisher
	logger    *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(
	store IngestStore,
	v *validator.Validator,
	applicator *billing.Applicator,
	machine *balance.Machine,
	publisher Publisher,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		store:     store,
		validator: v,
		billing:   applicator,
		balance:   machine,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleMessage processes one acquisition message. Per-sample
// validation failures are logged and skipped; only storage failures
// fail the message so the broker redelivers it.
func (s *IngestService) HandleMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.New().String()
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing acquisition message",
		zap.String("source", msg.Source),
		zap.Int("sample_count", len(msg.Readings)),
	)

	accepted := 0
	for _, data := range msg.Readings {
		outcome, err := s.Ingest(ctx, data, msg.ReceivedAt)
		if err != nil {
			reqLogger.Error("failed to ingest reading",
				zap.Error(err),
				zap.Int64("device_id", data.DeviceID),
			)
			return fmt.Errorf("failed to ingest reading: %w", err)
		}
		if outcome.Accepted {
			accepted++
		}
	}

	reqLogger.Info("acquisition message processed",
		zap.Int("accepted", accepted),
		zap.Int("rejected", len(msg.Readings)-accepted),
	)
	return nil
}

// Ingest runs one raw sample through the full pipeline. Every step is
// idempotent or re-derivable from current state, so a message that
// fails partway is safe to re-run from the top.
func (s *IngestService) Ingest(ctx context.Context, data validator.ReadingData, receivedAt time.Time) (*IngestOutcome, error) {
	devLogger := logging.WithDevice(s.logger, data.DeviceID)

	ts, result := s.validator.ValidateReading(data)
	if !result.IsValid {
		devLogger.Warn("reading rejected", zap.String("reason", result.Reason))
		return &IngestOutcome{Reason: result.Reason}, nil
	}

	device, err := s.store.GetDevice(ctx, data.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		devLogger.Warn("reading rejected", zap.String("reason", "unknown device"))
		return &IngestOutcome{Reason: "unknown device"}, nil
	}
	if !device.IsActive {
		devLogger.Warn("reading rejected", zap.String("reason", "device disabled"))
		return &IngestOutcome{Reason: "device disabled"}, nil
	}

	previous, err := s.store.LatestReading(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	if previous != nil && ts.Before(previous.Timestamp) {
		// Readings are processed in non-decreasing timestamp order;
		// a sample older than the stored head would corrupt the delta
		// chain.
		devLogger.Warn("reading rejected",
			zap.String("reason", "out-of-order timestamp"),
			zap.Time("reading_ts", ts),
			zap.Time("latest_ts", previous.Timestamp),
		)
		return &IngestOutcome{Reason: "out-of-order timestamp"}, nil
	}

	var prevTotal *float64
	if previous != nil {
		prevTotal = &previous.TotalEnergy
	}

	quality := data.Quality
	if quality == "" {
		quality = "GOOD"
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	reading := &db.Reading{
		DeviceID:        device.ID,
		Timestamp:       ts,
		TotalEnergy:     *data.TotalKWh,
		GridEnergy:      data.GridKWh,
		GeneratorEnergy: data.GeneratorKWh,
		DeltaEnergy:     delta.Compute(prevTotal, *data.TotalKWh),
		PowerKW:         data.PowerKW,
		Voltage:         data.Voltage,
		Current:         data.Current,
		Frequency:       data.Frequency,
		PowerFactor:     data.PowerFactor,
		Quality:         quality,
		ReceivedAt:      receivedAt,
	}

	inserted, err := s.store.InsertReading(ctx, reading)
	if err != nil {
		return nil, err
	}
	outcome := &IngestOutcome{Accepted: true, Reading: reading}
	if !inserted {
		// The row committed on an earlier delivery. Recover it and run
		// the rest of the pipeline anyway: billing and balance are
		// themselves idempotent, so a message that failed after the
		// insert converges here instead of being skipped forever.
		existing, err := s.store.ReadingAt(ctx, device.ID, ts)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("reading for device %d at %s exists but could not be loaded", device.ID, ts)
		}
		// LatestReading may be the duplicated row itself; the billing
		// split needs the reading that preceded it.
		previous, err = s.store.ReadingBefore(ctx, device.ID, ts)
		if err != nil {
			return nil, err
		}
		reading = existing
		outcome.Reading = existing
		outcome.Reason = "duplicate"
		devLogger.Info("duplicate reading, re-running downstream steps", zap.Time("reading_ts", ts))
	}

	if err := s.store.TouchDeviceSeen(ctx, device.ID, receivedAt); err != nil {
		return nil, err
	}
	if device.Connectivity != db.ConnectivityOnline {
		if _, err := s.store.ResolveAlert(ctx, device.AccountID, db.AlertOffline); err != nil {
			return nil, err
		}
	}

	billed, err := s.billing.Apply(ctx, reading, previous)
	if err != nil {
		return nil, err
	}
	if billed != nil && billed.Account != nil {
		status, err := s.balance.Evaluate(ctx, billed.Account)
		if err != nil {
			return nil, err
		}
		outcome.Status = status
	}

	if s.publisher != nil {
		event := map[string]any{
			"device_id":  device.ID,
			"reading_ts": ts.Format(time.RFC3339),
			"delta_kwh":  reading.DeltaEnergy,
			"status":     string(outcome.Status),
		}
		if err := s.publisher.Publish(ctx, mq.RoutingReadingAccepted, event); err != nil {
			// The reading is committed; a lost event is not worth a
			// redelivery that would re-run the whole message.
			devLogger.Error("failed to publish reading event", zap.Error(err))
		}
	}

	return outcome, nil
}
