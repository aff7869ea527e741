package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

const readingColumns = `
	id, device_id, reading_ts, total_kwh, grid_kwh, generator_kwh,
	delta_kwh, power_kw, voltage, current, frequency, power_factor,
	quality, received_at
`

func scanReading(row pgx.Row) (*db.Reading, error) {
	var rd db.Reading
	err := row.Scan(
		&rd.ID,
		&rd.DeviceID,
		&rd.Timestamp,
		&rd.TotalEnergy,
		&rd.GridEnergy,
		&rd.GeneratorEnergy,
		&rd.DeltaEnergy,
		&rd.PowerKW,
		&rd.Voltage,
		&rd.Current,
		&rd.Frequency,
		&rd.PowerFactor,
		&rd.Quality,
		&rd.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}
	return &rd, nil
}

// LatestReading returns the most recent stored reading for a device,
// nil when the device has no readings yet.
func (r *Repository) LatestReading(ctx context.Context, deviceID int64) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE device_id = $1
		ORDER BY reading_ts DESC
		LIMIT 1
	`
	return scanReading(r.pool.QueryRow(ctx, query, deviceID))
}

// ReadingAt fetches the stored reading for one (device, timestamp)
// pair, nil when absent.
func (r *Repository) ReadingAt(ctx context.Context, deviceID int64, ts time.Time) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE device_id = $1 AND reading_ts = $2
	`
	return scanReading(r.pool.QueryRow(ctx, query, deviceID, ts))
}

// ReadingBefore returns the newest reading strictly older than ts for
// a device, nil when none exists.
func (r *Repository) ReadingBefore(ctx context.Context, deviceID int64, ts time.Time) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE device_id = $1 AND reading_ts < $2
		ORDER BY reading_ts DESC
		LIMIT 1
	`
	return scanReading(r.pool.QueryRow(ctx, query, deviceID, ts))
}

// InsertReading stores a reading. A reading is unique per
// (device, timestamp); redelivered payloads return false and write
// nothing, which is what makes the whole ingest path safe to re-run.
func (r *Repository) InsertReading(ctx context.Context, rd *db.Reading) (bool, error) {
	query := `
		INSERT INTO readings (
			device_id, reading_ts, total_kwh, grid_kwh, generator_kwh,
			delta_kwh, power_kw, voltage, current, frequency,
			power_factor, quality, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (device_id, reading_ts) DO NOTHING
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		rd.DeviceID,
		rd.Timestamp,
		rd.TotalEnergy,
		rd.GridEnergy,
		rd.GeneratorEnergy,
		rd.DeltaEnergy,
		rd.PowerKW,
		rd.Voltage,
		rd.Current,
		rd.Frequency,
		rd.PowerFactor,
		rd.Quality,
		rd.ReceivedAt,
	).Scan(&rd.ID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert reading: %w", err)
	}
	return true, nil
}

// TodayConsumption sums the delta energy recorded today across all of
// an account's devices.
func (r *Repository) TodayConsumption(ctx context.Context, accountID int64) (float64, error) {
	query := `
		SELECT COALESCE(SUM(rd.delta_kwh), 0)
		FROM readings rd
		JOIN devices d ON d.id = rd.device_id
		WHERE d.account_id = $1
		  AND rd.reading_ts >= date_trunc('day', now())
	`

	var total float64
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to query today's consumption: %w", err)
	}
	return total, nil
}
