package service

import (
	"context"
	"fmt"
	"time"

	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/mq"
	"go.uber.org/zap"
)

// OfflineStore is the storage contract of the offline sweep
type OfflineStore interface {
	MarkDevicesOffline(ctx context.Context, cutoff time.Time) ([]db.Device, error)
	OpenAlert(ctx context.Context, a *db.Alert) (bool, error)
	InsertEvent(ctx context.Context, e *db.Event) error
}

// OfflineSweeper periodically flags devices that stopped reporting
// and raises an OFFLINE alert for their owner.
type OfflineSweeper struct {
	store        OfflineStore
	publisher    Publisher
	interval     time.Duration
	offlineAfter time.Duration
	logger       *zap.Logger
}

// NewOfflineSweeper creates a new offline sweeper
func NewOfflineSweeper(store OfflineStore, publisher Publisher, interval, offlineAfter time.Duration, logger *zap.Logger) *OfflineSweeper {
	return &OfflineSweeper{
		store:        store,
		publisher:    publisher,
		interval:     interval,
		offlineAfter: offlineAfter,
		logger:       logger,
	}
}

// Run sweeps on a fixed interval until the context is cancelled
func (s *OfflineSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("offline sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("offline sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep marks stale devices offline and opens one OFFLINE alert per
// affected account. The alert dedup makes repeated sweeps over the
// same stale device a no-op.
func (s *OfflineSweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.offlineAfter)

	devices, err := s.store.MarkDevicesOffline(ctx, cutoff)
	if err != nil {
		return err
	}

	for i := range devices {
		device := &devices[i]
		s.logger.Warn("device went offline",
			zap.Int64("device_id", device.ID),
			zap.String("serial", device.SerialNumber),
		)

		opened, err := s.store.OpenAlert(ctx, &db.Alert{
			AccountID: device.AccountID,
			DeviceID:  &device.ID,
			Type:      db.AlertOffline,
			Severity:  db.SeverityWarning,
			Message:   fmt.Sprintf("device %s stopped reporting", device.SerialNumber),
		})
		if err != nil {
			return err
		}
		if !opened {
			continue
		}

		event := &db.Event{
			AccountID: &device.AccountID,
			DeviceID:  &device.ID,
			Level:     db.SeverityWarning,
			Type:      "device_offline",
			Message:   fmt.Sprintf("device %s marked offline", device.SerialNumber),
			Source:    "sweeper",
		}
		if err := s.store.InsertEvent(ctx, event); err != nil {
			s.logger.Warn("failed to record offline event", zap.Error(err), zap.Int64("device_id", device.ID))
		}

		if s.publisher != nil {
			payload := map[string]any{
				"account_id": device.AccountID,
				"device_id":  device.ID,
				"type":       db.AlertOffline,
				"severity":   db.SeverityWarning,
			}
			if err := s.publisher.Publish(ctx, mq.RoutingAlertRaised, payload); err != nil {
				s.logger.Error("failed to publish offline alert", zap.Error(err))
			}
		}
	}
	return nil
}
