// Package billing converts consumption deltas into billing
// transactions using the tariff active at the reading timestamp.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/delta"
	"go.uber.org/zap"
)

// Store is the storage contract the applicator needs
type Store interface {
	AccountByDevice(ctx context.Context, deviceID int64) (*db.Account, error)
	TariffAt(ctx context.Context, ts time.Time) (*db.Tariff, error)
	InsertBillingTransaction(ctx context.Context, t *db.BillingTransaction) (bool, error)
	AddUsedEnergy(ctx context.Context, accountID int64, deltaKWh float64) (*db.Account, error)
}

// Applicator bills accepted readings
type Applicator struct {
	store  Store
	logger *zap.Logger
}

// NewApplicator creates a new billing applicator
func NewApplicator(store Store, logger *zap.Logger) *Applicator {
	return &Applicator{store: store, logger: logger}
}

// Outcome reports what one billing application did
type Outcome struct {
	Account     *db.Account
	Transaction *db.BillingTransaction
	Billed      bool
}

// Apply bills one accepted reading against its account. A reading
// with delta <= 0 is a no-op. The billing transaction insert, keyed
// by reading id, is the single source of truth for "already
// processed": used-energy is debited only when the insert won, so a
// redelivered reading neither double-charges money nor double-debits
// energy.
func (a *Applicator) Apply(ctx context.Context, reading, previous *db.Reading) (*Outcome, error) {
	if reading.DeltaEnergy <= 0 {
		return nil, nil
	}

	account, err := a.store.AccountByDevice(ctx, reading.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}
	if account == nil {
		a.logger.Warn("reading has no owning account, skipping billing",
			zap.Int64("device_id", reading.DeviceID),
			zap.Int64("reading_id", reading.ID),
		)
		return nil, nil
	}

	tariff, err := a.store.TariffAt(ctx, reading.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tariff: %w", err)
	}
	if tariff == nil {
		// No tariff configured at all. Energy is still debited so the
		// prepaid balance stays truthful; only the monetary record is
		// missing.
		a.logger.Warn("no tariff configured, debiting energy without transaction",
			zap.Int64("account_id", account.ID),
			zap.Time("reading_ts", reading.Timestamp),
		)
		account, err = a.store.AddUsedEnergy(ctx, account.ID, reading.DeltaEnergy)
		if err != nil {
			return nil, err
		}
		return &Outcome{Account: account}, nil
	}

	cost := Cost(tariff, reading, previous)

	tx := &db.BillingTransaction{
		ReadingID: reading.ID,
		AccountID: account.ID,
		DeviceID:  reading.DeviceID,
		TariffID:  tariff.ID,
		DeltaKWh:  reading.DeltaEnergy,
		Cost:      cost,
	}

	inserted, err := a.store.InsertBillingTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to record billing transaction: %w", err)
	}
	if !inserted {
		a.logger.Info("reading already billed, skipping",
			zap.Int64("reading_id", reading.ID),
			zap.Int64("account_id", account.ID),
		)
		return &Outcome{Account: account}, nil
	}

	account, err = a.store.AddUsedEnergy(ctx, account.ID, reading.DeltaEnergy)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("reading billed",
		zap.Int64("reading_id", reading.ID),
		zap.Int64("tariff_id", tariff.ID),
		zap.Float64("delta_kwh", reading.DeltaEnergy),
		zap.Float64("cost", cost),
	)

	return &Outcome{Account: account, Transaction: tx, Billed: true}, nil
}

// Cost prices a reading's delta under a tariff. When both the current
// and previous reading carry the grid/generator counter split, the
// two sub-deltas are priced independently; otherwise the whole delta
// is priced at the grid rate.
func Cost(tariff *db.Tariff, reading, previous *db.Reading) float64 {
	if previous != nil {
		gridDelta, gridOK := delta.ComputeSub(previous.GridEnergy, reading.GridEnergy)
		genDelta, genOK := delta.ComputeSub(previous.GeneratorEnergy, reading.GeneratorEnergy)
		if gridOK && genOK {
			return gridDelta*tariff.GridRate + genDelta*tariff.GeneratorRate
		}
	}
	return reading.DeltaEnergy * tariff.GridRate
}
