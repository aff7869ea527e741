package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
)

const accountColumns = `
	id, name, allocated_kwh, used_kwh, is_active, is_locked,
	last_recharge_at, created_at
`

func scanAccount(row pgx.Row) (*db.Account, error) {
	var a db.Account
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.AllocatedKWh,
		&a.UsedKWh,
		&a.IsActive,
		&a.IsLocked,
		&a.LastRechargeAt,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

// GetAccount fetches one account by id, nil when not found
func (r *Repository) GetAccount(ctx context.Context, id int64) (*db.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, id))
}

// AccountByDevice resolves the account owning a device, nil when the
// device is unknown or orphaned.
func (r *Repository) AccountByDevice(ctx context.Context, deviceID int64) (*db.Account, error) {
	query := `
		SELECT a.id, a.name, a.allocated_kwh, a.used_kwh, a.is_active,
		       a.is_locked, a.last_recharge_at, a.created_at
		FROM accounts a
		JOIN devices d ON d.account_id = a.id
		WHERE d.id = $1
	`
	return scanAccount(r.pool.QueryRow(ctx, query, deviceID))
}

// AddUsedEnergy debits consumption from an account's prepaid balance.
// Single atomic read-modify-write; safe under concurrent ingestion for
// the same account.
func (r *Repository) AddUsedEnergy(ctx context.Context, accountID int64, deltaKWh float64) (*db.Account, error) {
	query := `
		UPDATE accounts
		SET used_kwh = used_kwh + $2
		WHERE id = $1
		RETURNING ` + accountColumns

	account, err := scanAccount(r.pool.QueryRow(ctx, query, accountID, deltaKWh))
	if err != nil {
		return nil, fmt.Errorf("failed to add used energy: %w", err)
	}
	return account, nil
}

// SetAccountLocked sets or clears the account lock flag
func (r *Repository) SetAccountLocked(ctx context.Context, accountID int64, locked bool) error {
	query := `UPDATE accounts SET is_locked = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, accountID, locked)
	if err != nil {
		return fmt.Errorf("failed to set account lock: %w", err)
	}
	return nil
}

// RechargeAccount tops up the allocation and clears the lock in one
// atomic statement. Returns nil when the account does not exist.
func (r *Repository) RechargeAccount(ctx context.Context, accountID int64, addKWh float64) (*db.Account, error) {
	query := `
		UPDATE accounts
		SET allocated_kwh = allocated_kwh + $2,
		    is_locked = false,
		    last_recharge_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns

	return scanAccount(r.pool.QueryRow(ctx, query, accountID, addKWh))
}
