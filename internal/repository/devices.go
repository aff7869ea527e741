package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

const deviceColumns = `
	id, account_id, serial_number, address, breaker_coil_address,
	breaker_enabled, auto_disconnect_enabled, last_breaker_state,
	connectivity, last_seen_at, is_active, created_at
`

func scanDevice(row pgx.Row) (*db.Device, error) {
	var d db.Device
	err := row.Scan(
		&d.ID,
		&d.AccountID,
		&d.SerialNumber,
		&d.Address,
		&d.BreakerCoilAddress,
		&d.BreakerEnabled,
		&d.AutoDisconnectEnabled,
		&d.LastBreakerState,
		&d.Connectivity,
		&d.LastSeenAt,
		&d.IsActive,
		&d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	return &d, nil
}

// GetDevice fetches one device by id, nil when not found
func (r *Repository) GetDevice(ctx context.Context, id int64) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return scanDevice(r.pool.QueryRow(ctx, query, id))
}

// TouchDeviceSeen marks a device online and refreshes last_seen_at.
// Called on every accepted reading.
func (r *Repository) TouchDeviceSeen(ctx context.Context, id int64, seenAt time.Time) error {
	query := `
		UPDATE devices
		SET last_seen_at = $2, connectivity = $3
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, seenAt, db.ConnectivityOnline)
	if err != nil {
		return fmt.Errorf("failed to update device last_seen_at: %w", err)
	}
	return nil
}

// MarkDevicesOffline flips active devices whose last_seen_at is older
// than the cutoff to offline and returns the affected rows.
func (r *Repository) MarkDevicesOffline(ctx context.Context, cutoff time.Time) ([]db.Device, error) {
	query := `
		UPDATE devices
		SET connectivity = $1
		WHERE is_active
		  AND connectivity = $2
		  AND (last_seen_at IS NULL OR last_seen_at < $3)
		RETURNING ` + deviceColumns

	rows, err := r.pool.Query(ctx, query, db.ConnectivityOffline, db.ConnectivityOnline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark devices offline: %w", err)
	}
	defer rows.Close()

	var devices []db.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return devices, nil
}

// ControllableDevices lists an account's devices eligible for
// automatic disconnection: breaker enabled, auto-disconnect enabled
// and a configured coil address.
func (r *Repository) ControllableDevices(ctx context.Context, accountID int64) ([]db.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE account_id = $1
		  AND is_active
		  AND breaker_enabled
		  AND auto_disconnect_enabled
		  AND breaker_coil_address IS NOT NULL
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query controllable devices: %w", err)
	}
	defer rows.Close()

	var devices []db.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return devices, nil
}

// SetDeviceBreakerState mirrors a committed coil state onto the device
func (r *Repository) SetDeviceBreakerState(ctx context.Context, id int64, state int) error {
	query := `UPDATE devices SET last_breaker_state = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, state)
	if err != nil {
		return fmt.Errorf("failed to set device breaker state: %w", err)
	}
	return nil
}
