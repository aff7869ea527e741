package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

const alertColumns = `
	id, account_id, device_id, alert_type, severity, message, is_open,
	created_at, resolved_at
`

func scanAlert(row pgx.Row) (*db.Alert, error) {
	var a db.Alert
	err := row.Scan(
		&a.ID,
		&a.AccountID,
		&a.DeviceID,
		&a.Type,
		&a.Severity,
		&a.Message,
		&a.IsOpen,
		&a.CreatedAt,
		&a.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return &a, nil
}

// OpenAlert raises an alert unless one of the same type is already
// open for the account. The partial unique index on
// (account_id, alert_type) WHERE is_open makes a racing insert a
// no-op for the loser, never a duplicate row.
func (r *Repository) OpenAlert(ctx context.Context, a *db.Alert) (bool, error) {
	query := `
		INSERT INTO alerts (account_id, device_id, alert_type, severity, message, is_open)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (account_id, alert_type) WHERE is_open DO NOTHING
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		a.AccountID,
		a.DeviceID,
		a.Type,
		a.Severity,
		a.Message,
	).Scan(&a.ID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open alert: %w", err)
	}
	return true, nil
}

// ResolveAlert closes the open alert of the given type for an account.
// Returns false when nothing was open.
func (r *Repository) ResolveAlert(ctx context.Context, accountID int64, alertType string) (bool, error) {
	query := `
		UPDATE alerts
		SET is_open = false, resolved_at = now()
		WHERE account_id = $1 AND alert_type = $2 AND is_open
	`

	tag, err := r.pool.Exec(ctx, query, accountID, alertType)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// OpenAlertsForAccount lists an account's open alerts, newest first
func (r *Repository) OpenAlertsForAccount(ctx context.Context, accountID int64) ([]db.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE account_id = $1 AND is_open
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open alerts: %w", err)
	}
	defer rows.Close()

	var alerts []db.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return alerts, nil
}
